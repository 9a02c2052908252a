package collector

import (
	"math"
	"strings"
)

// Threshold is warning/danger level of metric family ("temp" covers temp1, temp2...).
type Threshold struct {
	Name    string
	Warning float64
	Danger  float64
}

type Alert struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"

	StatusSafe    = "Safe"
	StatusWarning = "Warning"
	StatusDanger  = "Danger"
	StatusUnknown = "Unknown"
)

// Scores are 0..100, nil when reading has no metrics of that kind.
type Scores struct {
	Temperature *int `json:"temperature,omitempty"`
	Gas         *int `json:"gas,omitempty"`
	AirQuality  *int `json:"airQuality,omitempty"`
	Overall     *int `json:"overall,omitempty"`
}

// gas families with danger level and weight in gas score
var gasFamilies = []struct {
	name   string
	limit  float64
	weight float64
}{
	{"smoke", 500, 0.3},
	{"lpg", 400, 0.3},
	{"co", 300, 0.4},
}

// family strips trailing digits: temp2 -> temp, dust -> dust.
func family(name string) string {
	return strings.TrimRight(name, "0123456789")
}

// familyValues groups reading metrics by family.
func familyValues(r *Reading) map[string][]float64 {
	fs := make(map[string][]float64)
	for _, name := range r.Names() {
		f := family(name)
		fs[f] = append(fs[f], r.Metrics[name])
	}
	return fs
}

func mean(xs []float64) float64 {
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func maxOf(xs []float64) float64 {
	m := math.Inf(-1)
	for _, x := range xs {
		m = math.Max(m, x)
	}
	return m
}

// JS Math.round, scores are never negative
func round(x float64) int { return int(math.Floor(x + 0.5)) }

func TemperatureScore(avg float64) int {
	var s float64
	switch {
	case avg < 0 || avg > 50:
		s = 0
	case avg < 10:
		s = 50
	case avg > 35:
		s = 50
	case avg >= 20 && avg <= 25:
		s = 100
	case avg < 20:
		s = 50 + (avg-10)*5
	default:
		s = 100 - (avg-25)*3.3
	}
	return round(s)
}

func AirQualityScore(pm25 float64) int {
	switch {
	case pm25 <= 12:
		return 100
	case pm25 <= 35.4:
		return 75
	case pm25 <= 55.4:
		return 50
	case pm25 <= 150.4:
		return 25
	}
	return 0
}

// gasScore weights present families, weights are renormalized when some family is absent.
func gasScore(fs map[string][]float64) (int, bool) {
	sum, weights := 0.0, 0.0
	for _, g := range gasFamilies {
		vs, ok := fs[g.name]
		if !ok {
			continue
		}
		sum += math.Max(0, 100-maxOf(vs)/g.limit*100) * g.weight
		weights += g.weight
	}
	if weights == 0 {
		return 0, false
	}
	return round(sum / weights), true
}

func ScoreReading(r *Reading) Scores {
	fs := familyValues(r)
	var sc Scores
	parts := make([]int, 0, 3)
	if vs, ok := fs["temp"]; ok {
		s := TemperatureScore(mean(vs))
		sc.Temperature = &s
		parts = append(parts, s)
	}
	if s, ok := gasScore(fs); ok {
		sc.Gas = &s
		parts = append(parts, s)
	}
	if vs, ok := fs["dust"]; ok {
		s := AirQualityScore(maxOf(vs))
		sc.AirQuality = &s
		parts = append(parts, s)
	}
	if len(parts) > 0 {
		sum := 0
		for _, p := range parts {
			sum += p
		}
		o := round(float64(sum) / float64(len(parts)))
		sc.Overall = &o
	}
	return sc
}

func (self Scores) Status() string {
	switch {
	case self.Overall == nil:
		return StatusUnknown
	case *self.Overall > 80:
		return StatusSafe
	case *self.Overall > 50:
		return StatusWarning
	}
	return StatusDanger
}

var alertMessages = map[string][2]string{
	// family: medium, high
	"temp":  {"High temperature detected", "Extreme temperature detected!"},
	"smoke": {"Smoke level elevated", "Smoke detected!"},
}

// CheckAlerts compares each threshold family with the reading.
// Temperature uses the family average, others use the worst sensor.
func CheckAlerts(r *Reading, thresholds []Threshold) []Alert {
	fs := familyValues(r)
	alerts := make([]Alert, 0)
	for _, t := range thresholds {
		vs, ok := fs[t.Name]
		if !ok {
			continue
		}
		typ := t.Name
		v := maxOf(vs)
		if t.Name == "temp" {
			typ = "temperature"
			v = mean(vs)
		}
		msgs, ok := alertMessages[t.Name]
		if !ok {
			msgs = [2]string{t.Name + " level elevated", t.Name + " level critical!"}
		}
		switch {
		case v > t.Danger:
			alerts = append(alerts, Alert{Type: typ, Severity: SeverityHigh, Message: msgs[1]})
		case v > t.Warning:
			alerts = append(alerts, Alert{Type: typ, Severity: SeverityMedium, Message: msgs[0]})
		}
	}
	return alerts
}
