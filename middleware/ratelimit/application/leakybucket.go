package application

import "math"

// fallbackWindow é usado quando o vazamento é zero (tier com 0 RPM).
const fallbackWindow = 60

// LeakyBucket deriva as quantidades que o chamador precisa a partir do
// resultado da admissão atômica.
//
// A capacidade é o limite em RPM: o balde vaza a capacidade inteira a cada
// 60 segundos.
type LeakyBucket struct {
	Capacity float64
}

func NewLeakyBucket(limitRPM int) LeakyBucket {
	return LeakyBucket{Capacity: float64(limitRPM)}
}

// LeakRate em tokens por segundo.
func (b LeakyBucket) LeakRate() float64 {
	return b.Capacity / 60.0
}

// Remaining = max(0, round(capacity - tokensAfter)).
func (b LeakyBucket) Remaining(tokensAfter float64) int {
	return int(math.Max(0, math.Round(b.Capacity-tokensAfter)))
}

// SecondsUntilReset é o tempo até o balde esvaziar por completo.
func (b LeakyBucket) SecondsUntilReset(tokensAfter float64) float64 {
	leak := b.LeakRate()
	if leak <= 0 {
		return fallbackWindow
	}
	return tokensAfter / leak
}

// ResetTimestamp em segundos Unix (truncado).
func (b LeakyBucket) ResetTimestamp(now, tokensAfter float64) int64 {
	return int64(math.Floor(now + b.SecondsUntilReset(tokensAfter)))
}

// RetryAfter é o tempo (em segundos, arredondado para cima) até vazar um
// token inteiro. 0 quando a requisição foi admitida.
//
// Calculado como 60/capacity em vez de 1/leakRate: o resultado é o mesmo, mas
// sem o ruído de 10/60 que faria ceil(6.000000000000001) = 7.
func (b LeakyBucket) RetryAfter(allowed bool) int {
	if allowed {
		return 0
	}
	if b.Capacity <= 0 {
		return fallbackWindow
	}
	return int(math.Ceil(60.0 / b.Capacity))
}
