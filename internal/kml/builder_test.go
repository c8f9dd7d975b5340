package kml

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/hitoshi/pind/internal/model"
	"github.com/hitoshi/pind/internal/security"
)

// parsedKML はテストでKML出力を検証するための構造体。
type parsedKML struct {
	XMLName  xml.Name `xml:"kml"`
	Document struct {
		Name       string `xml:"name"`
		Placemarks []struct {
			Name         string `xml:"name"`
			Description  string `xml:"description"`
			ExtendedData []struct {
				Name  string `xml:"name,attr"`
				Value string `xml:"value"`
			} `xml:"ExtendedData>Data"`
			Coordinates string `xml:"Point>coordinates"`
		} `xml:"Placemark"`
	} `xml:"Document"`
}

func parseKML(t *testing.T, data []byte) parsedKML {
	t.Helper()
	var out parsedKML
	if err := xml.Unmarshal(data, &out); err != nil {
		t.Fatalf("output is not well-formed XML: %v\n%s", err, data)
	}
	return out
}

func samplePoints() []model.Point {
	return []model.Point{
		{
			ID:          "loc1",
			Name:        "Myeongdong Kyoja",
			Address:     "29 Myeongdong 10-gil, Jung-gu, Seoul",
			Category:    "Restaurant",
			Description: "Famous for handmade noodles and dumplings since 1966",
			Coordinates: model.Coordinates{Lat: 37.5665, Lng: 126.978},
		},
		{
			ID:          "loc2",
			Name:        "Gwangjang Market",
			Address:     "88 Changgyeonggung-ro, Jongno-gu, Seoul",
			Category:    "Market",
			Description: "Traditional market famous for bindaetteok and mayak gimbap",
			Coordinates: model.Coordinates{Lat: 37.5707, Lng: 126.9996},
		},
		{
			ID:          "loc3",
			Name:        "Gamcheon Culture Village",
			Address:     "203 Gamnae 2-ro, Saha-gu, Busan",
			Category:    "Tourist Attraction",
			Description: "Colorful hillside village known as the Machu Picchu of Busan",
			Coordinates: model.Coordinates{Lat: 35.0975, Lng: 129.0107},
		},
	}
}

func TestBuild_OnePlacemarkPerPointInOrder(t *testing.T) {
	b := NewBuilder(nil)
	points := samplePoints()

	data, err := b.Build("Pind1234", points)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	doc := parseKML(t, data)
	if doc.Document.Name != "Pind1234" {
		t.Errorf("document name = %q, want %q", doc.Document.Name, "Pind1234")
	}
	if len(doc.Document.Placemarks) != len(points) {
		t.Fatalf("placemarks = %d, want %d", len(doc.Document.Placemarks), len(points))
	}

	for i, p := range points {
		pm := doc.Document.Placemarks[i]
		if pm.Name != p.Name {
			t.Errorf("placemark[%d].name = %q, want %q", i, pm.Name, p.Name)
		}
		wantDesc := p.Category + "<br>" + p.Address
		if pm.Description != wantDesc {
			t.Errorf("placemark[%d].description = %q, want %q", i, pm.Description, wantDesc)
		}
		wantCoords := fmt.Sprintf("%v,%v", p.Coordinates.Lng, p.Coordinates.Lat)
		if strings.TrimSpace(pm.Coordinates) != wantCoords {
			t.Errorf("placemark[%d].coordinates = %q, want %q", i, pm.Coordinates, wantCoords)
		}
	}
}

func TestBuild_CoordinatesAreLongitudeThenLatitude(t *testing.T) {
	b := NewBuilder(nil)

	data, err := b.Build("Trip", []model.Point{{
		ID:          "p1",
		Name:        "Origin",
		Coordinates: model.Coordinates{Lat: 10.5, Lng: -20.25},
	}})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if !bytes.Contains(data, []byte("<coordinates>-20.25,10.5</coordinates>")) {
		t.Errorf("expected lng,lat order in output:\n%s", data)
	}
}

func TestBuild_ExtendedDataKeepsAllFields(t *testing.T) {
	b := NewBuilder(nil)
	p := samplePoints()[0]

	data, err := b.Build("Trip", []model.Point{p})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	doc := parseKML(t, data)
	got := map[string]string{}
	for _, d := range doc.Document.Placemarks[0].ExtendedData {
		got[d.Name] = d.Value
	}
	want := map[string]string{
		"id":          p.ID,
		"category":    p.Category,
		"address":     p.Address,
		"description": p.Description,
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("ExtendedData[%q] = %q, want %q", k, got[k], v)
		}
	}
}

func TestBuild_Deterministic(t *testing.T) {
	b := NewBuilder(security.NewBalloonSanitizer())
	points := samplePoints()

	first, err := b.Build("Trip", points)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := b.Build("Trip", points)
		if err != nil {
			t.Fatalf("Build() error = %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("Build() output differs between runs")
		}
	}
}

func TestBuild_UntrustedTextStaysWellFormed(t *testing.T) {
	b := NewBuilder(security.NewBalloonSanitizer())

	tests := []struct {
		name  string
		point model.Point
	}{
		{
			name: "閉じタグを含む名前",
			point: model.Point{
				ID: "x1", Name: `</name></Placemark><Placemark><name>evil`,
				Category: "Cafe", Address: "1 Main St",
			},
		},
		{
			name: "CDATA終端とアンパサンド",
			point: model.Point{
				ID: "x2", Name: "]]> & <![CDATA[", Category: "Bar & Grill",
				Address: `"quoted" 'single'`,
			},
		},
		{
			name: "スクリプトを含むカテゴリ",
			point: model.Point{
				ID: "x3", Name: "Shop", Category: `<script>alert("x")</script>Shop`,
				Address: "<img src=x onerror=alert(1)>",
			},
		},
		{
			name: "制御文字",
			point: model.Point{
				ID: "x4", Name: "bad\x00name\x01", Category: "c\x1b", Address: "a\x07",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := b.Build("Trip", []model.Point{tt.point})
			if err != nil {
				t.Fatalf("Build() error = %v", err)
			}
			doc := parseKML(t, data)
			if len(doc.Document.Placemarks) != 1 {
				t.Fatalf("placemarks = %d, want 1", len(doc.Document.Placemarks))
			}
			if strings.Contains(doc.Document.Placemarks[0].Description, "<script") {
				t.Errorf("description should not contain script tag: %q", doc.Document.Placemarks[0].Description)
			}
		})
	}
}

func TestBuild_DescriptionKeepsAngleBracketText(t *testing.T) {
	b := NewBuilder(security.NewBalloonSanitizer())

	data, err := b.Build("Trip", []model.Point{{
		ID: "p", Name: "Corner Cafe", Category: "Cafe & Bar", Address: "Unit <B2>, 1 Main St",
	}})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	got := parseKML(t, data).Document.Placemarks[0].Description
	want := "Cafe &amp; Bar<br>Unit &lt;B2&gt;, 1 Main St"
	if got != want {
		t.Errorf("description = %q, want %q", got, want)
	}
	if strings.Contains(got, "<B2>") {
		t.Errorf("description should not contain raw tag-like text: %q", got)
	}
}

func TestBuild_NameRoundTripsThroughEscaping(t *testing.T) {
	b := NewBuilder(nil)
	name := `Tom & Jerry's <Diner> "24h"`

	data, err := b.Build("Trip", []model.Point{{ID: "p", Name: name}})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	doc := parseKML(t, data)
	if got := doc.Document.Placemarks[0].Name; got != name {
		t.Errorf("name = %q, want %q", got, name)
	}
}

func TestBuild_DescriptionOmitsEmptyParts(t *testing.T) {
	b := NewBuilder(nil)

	data, err := b.Build("Trip", []model.Point{
		{ID: "a", Name: "A", Category: "Park"},
		{ID: "b", Name: "B", Address: "Somewhere"},
		{ID: "c", Name: "C"},
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	doc := parseKML(t, data)
	want := []string{"Park", "Somewhere", ""}
	for i, w := range want {
		if got := doc.Document.Placemarks[i].Description; got != w {
			t.Errorf("placemark[%d].description = %q, want %q", i, got, w)
		}
	}
}

func TestBuild_InvalidCoordinates_ReturnsError(t *testing.T) {
	b := NewBuilder(nil)

	tests := []struct {
		name   string
		coords model.Coordinates
	}{
		{"NaN緯度", model.Coordinates{Lat: math.NaN(), Lng: 0}},
		{"無限大経度", model.Coordinates{Lat: 0, Lng: math.Inf(1)}},
		{"緯度範囲外", model.Coordinates{Lat: 91, Lng: 0}},
		{"経度範囲外", model.Coordinates{Lat: 0, Lng: -181}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Build("Trip", []model.Point{
				{ID: "ok", Name: "ok"},
				{ID: "bad", Name: "bad", Coordinates: tt.coords},
			})
			if err == nil {
				t.Fatal("expected error for invalid coordinates")
			}
			if !strings.Contains(err.Error(), "bad") {
				t.Errorf("error should identify the point: %v", err)
			}
		})
	}
}

func TestBuild_HasXMLHeaderAndNamespace(t *testing.T) {
	b := NewBuilder(nil)

	data, err := b.Build("Trip", samplePoints()[:1])
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if !bytes.HasPrefix(data, []byte(`<?xml version="1.0" encoding="UTF-8"?>`)) {
		t.Errorf("missing XML header: %q", data[:40])
	}
	if !bytes.Contains(data, []byte(`xmlns="http://www.opengis.net/kml/2.2"`)) {
		t.Error("missing KML namespace")
	}
}
