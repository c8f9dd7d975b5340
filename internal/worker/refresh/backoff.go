package refresh

import "time"

// maxBackoff は一時的な失敗が続いた場合の待機時間の上限。
const maxBackoff = 30 * time.Minute

// CalculateBackoff は連続失敗回数に基づいて次の更新試行までの遅延を計算する。
// 初回はbase、以降2倍ずつ増加し、maxBackoffで頭打ちになる。
func CalculateBackoff(base time.Duration, consecutiveFailures int) time.Duration {
	if consecutiveFailures <= 0 || base <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < consecutiveFailures; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	if delay > maxBackoff {
		return maxBackoff
	}
	return delay
}
