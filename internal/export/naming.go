package export

import (
	"fmt"
	"time"
)

// DefaultListNamePrefix は自動生成するリスト名の接頭辞。
const DefaultListNamePrefix = "Pind"

// ListName は時刻からリスト名を決定的に生成する。
// 接頭辞 + floor(エポックミリ秒 / 1000) mod 10000。ゼロ埋めはしない。
// 数値部分はエポック以前の時刻でも常に0〜9999に収まる。一意性は保証しない。
func ListName(prefix string, t time.Time) string {
	n := (t.Unix()%10000 + 10000) % 10000
	return fmt.Sprintf("%s%d", prefix, n)
}
