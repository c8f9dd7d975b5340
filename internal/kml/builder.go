// Package kml は地点リストをKML 2.2ドキュメントに変換する。
//
// Builderは純粋な変換のみを行い、I/Oや時刻に依存しない。
// 同一入力に対して常にバイト単位で同一の出力を返す。
package kml

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/hitoshi/pind/internal/model"
)

// MimeType はKMLドキュメントのMIMEタイプ。
const MimeType = "application/vnd.google-earth.kml+xml"

const kmlNamespace = "http://www.opengis.net/kml/2.2"

// Sanitizer はdescriptionに埋め込むテキストのサニタイズ機能。
// security.TextSanitizerを満たす。
type Sanitizer interface {
	Sanitize(text string) string
}

// Builder は地点リストからKMLドキュメントを生成する。
type Builder struct {
	sanitizer Sanitizer
}

// NewBuilder はBuilderを生成する。
func NewBuilder(sanitizer Sanitizer) *Builder {
	return &Builder{sanitizer: sanitizer}
}

type kmlRoot struct {
	XMLName  xml.Name    `xml:"kml"`
	XMLNS    string      `xml:"xmlns,attr"`
	Document kmlDocument `xml:"Document"`
}

type kmlDocument struct {
	Name       string         `xml:"name"`
	Placemarks []kmlPlacemark `xml:"Placemark"`
}

type kmlPlacemark struct {
	Name         string      `xml:"name"`
	Description  string      `xml:"description"`
	ExtendedData []kmlData   `xml:"ExtendedData>Data"`
	Point        kmlGeometry `xml:"Point"`
}

type kmlData struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value"`
}

type kmlGeometry struct {
	Coordinates string `xml:"coordinates"`
}

// Build は地点ごとに1つのPlacemarkを入力順で持つKMLドキュメントを返す。
// テキストはXMLエスケープされるため、任意のユーザー入力でも整形式を保つ。
// 座標が有限でない、または範囲外の地点がある場合はエラーを返す（地点は黙って落とさない）。
func (b *Builder) Build(name string, points []model.Point) ([]byte, error) {
	doc := kmlRoot{
		XMLNS: kmlNamespace,
		Document: kmlDocument{
			Name:       name,
			Placemarks: make([]kmlPlacemark, 0, len(points)),
		},
	}

	for i, p := range points {
		coords, err := formatCoordinates(p.Coordinates)
		if err != nil {
			return nil, fmt.Errorf("point %d (%s): %w", i, p.ID, err)
		}
		doc.Document.Placemarks = append(doc.Document.Placemarks, kmlPlacemark{
			Name:        p.Name,
			Description: b.describe(p),
			ExtendedData: []kmlData{
				{Name: "id", Value: p.ID},
				{Name: "category", Value: p.Category},
				{Name: "address", Value: p.Address},
				{Name: "description", Value: p.Description},
			},
			Point: kmlGeometry{Coordinates: coords},
		})
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to encode kml: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// describe はカテゴリと住所から吹き出し用のdescriptionを組み立てる。
// descriptionはGoogleマップでHTMLとして描画されるため、各要素をサニタイズしてから<br>で連結する。
func (b *Builder) describe(p model.Point) string {
	parts := make([]string, 0, 2)
	if c := b.sanitize(p.Category); c != "" {
		parts = append(parts, c)
	}
	if a := b.sanitize(p.Address); a != "" {
		parts = append(parts, a)
	}
	return strings.Join(parts, "<br>")
}

func (b *Builder) sanitize(s string) string {
	if b.sanitizer == nil {
		return s
	}
	return b.sanitizer.Sanitize(s)
}

// formatCoordinates はKMLの順序（経度,緯度）で座標を整形する。
func formatCoordinates(c model.Coordinates) (string, error) {
	if math.IsNaN(c.Lat) || math.IsInf(c.Lat, 0) || c.Lat < -90 || c.Lat > 90 {
		return "", fmt.Errorf("invalid latitude: %v", c.Lat)
	}
	if math.IsNaN(c.Lng) || math.IsInf(c.Lng, 0) || c.Lng < -180 || c.Lng > 180 {
		return "", fmt.Errorf("invalid longitude: %v", c.Lng)
	}
	return strconv.FormatFloat(c.Lng, 'f', -1, 64) + "," + strconv.FormatFloat(c.Lat, 'f', -1, 64), nil
}
