package firstcrack

import (
	"math/rand/v2"
	"time"

	"github.com/banshee-data/roast.report/internal/units"
)

var t0 = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

func at(sec float64) time.Time {
	return t0.Add(time.Duration(sec * float64(time.Second)))
}

func pt(sec float64, m units.Metric, v float64) Point {
	return Point{Timestamp: at(sec), Metric: m, Value: v}
}

func shuffled(points []Point, seed uint64) []Point {
	out := append([]Point(nil), points...)
	r := rand.New(rand.NewPCG(seed, seed+1))
	r.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}
