// Package presence holds the pure rules of the attendance day: punch order,
// geofence distance and the derived day state.
package presence

import (
	"errors"
	"fmt"
	"math"
)

type PunchType string

const (
	Entry       PunchType = "ENTRY"
	BreakStart  PunchType = "BREAK_START"
	BreakEnd    PunchType = "BREAK_END"
	Break2Start PunchType = "BREAK2_START"
	Break2End   PunchType = "BREAK2_END"
	Exit        PunchType = "EXIT"
)

// Day states, in lifecycle order.
const (
	AguardandoEntrada     = "AGUARDANDO_ENTRADA"
	EmExpediente          = "EM_EXPEDIENTE"
	EmIntervalo           = "EM_INTERVALO"
	AguardandoSaida       = "AGUARDANDO_SAIDA"
	PendenteJustificativa = "PENDENTE_JUSTIFICATIVA"
	PendenteAprovacao     = "PENDENTE_APROVACAO"
	Fechado               = "FECHADO"
	Ajustado              = "AJUSTADO"
)

// DayStates lists every state a presence journey must declare.
var DayStates = []string{
	AguardandoEntrada,
	EmExpediente,
	EmIntervalo,
	AguardandoSaida,
	PendenteJustificativa,
	PendenteAprovacao,
	Fechado,
	Ajustado,
}

var fullSequence = []PunchType{Entry, BreakStart, BreakEnd, Break2Start, Break2End, Exit}

// Sequence is the ordered punch list for a day.
func Sequence(breakRequired bool) []PunchType {
	if breakRequired {
		return fullSequence
	}
	return []PunchType{Entry, Exit}
}

// Rank is the position of t in the full day; -1 for unknown types.
func Rank(t PunchType) int {
	for i, p := range fullSequence {
		if p == t {
			return i
		}
	}
	return -1
}

func ParsePunchType(s string) (PunchType, error) {
	t := PunchType(s)
	if Rank(t) < 0 {
		return "", fmt.Errorf("unknown punch type %q", s)
	}
	return t, nil
}

// InferNextPunchType returns the next legal punch after last, or false once
// EXIT was recorded. A nil last means the day has no punches yet. The result
// always ranks strictly after last.
func InferNextPunchType(last *PunchType, breakRequired bool) (PunchType, bool) {
	after := -1
	if last != nil {
		after = Rank(*last)
		if *last == Exit {
			return "", false
		}
	}
	for _, t := range Sequence(breakRequired) {
		if Rank(t) > after {
			return t, true
		}
	}
	return "", false
}

// PendencySummary is what the day state needs to know about justifications.
type PendencySummary struct {
	OpenRequired     int
	AwaitingApproval int
}

type DayInput struct {
	Punches       []PunchType
	BreakRequired bool
	// OutOfRadius is true when any punch of the day fell outside the site.
	OutOfRadius bool
	Pendencies  PendencySummary
}

// DeriveDayState computes the case state from the punch sequence and the
// outstanding justification status.
func DeriveDayState(in DayInput) string {
	if len(in.Punches) == 0 {
		return AguardandoEntrada
	}
	last := in.Punches[len(in.Punches)-1]
	switch last {
	case BreakStart, Break2Start:
		return EmIntervalo
	case Exit:
		switch {
		case in.Pendencies.OpenRequired > 0:
			return PendenteJustificativa
		case in.Pendencies.AwaitingApproval > 0:
			return PendenteAprovacao
		case in.OutOfRadius:
			return Ajustado
		default:
			return Fechado
		}
	}
	next, ok := InferNextPunchType(&last, in.BreakRequired)
	if ok && next == Exit && in.BreakRequired {
		return AguardandoSaida
	}
	return EmExpediente
}

// Site is the geofence center and radius.
type Site struct {
	Latitude     float64
	Longitude    float64
	RadiusMeters float64
}

const earthRadiusMeters = 6371000.0

// DistanceMeters is the great-circle distance between two fixes.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	rad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// Within reports whether a fix falls inside the site and its distance.
func (s Site) Within(lat, lon float64) (bool, float64) {
	d := DistanceMeters(s.Latitude, s.Longitude, lat, lon)
	return d <= s.RadiusMeters, d
}

var ErrInvalidFix = errors.New("invalid geolocation")

// ValidateFix rejects unparsable coordinates.
func ValidateFix(lat, lon, accuracy float64) error {
	for _, v := range []float64{lat, lon, accuracy} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite value", ErrInvalidFix)
		}
	}
	if lat < -90 || lat > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidFix, lat)
	}
	if lon < -180 || lon > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidFix, lon)
	}
	if accuracy < 0 {
		return fmt.Errorf("%w: negative accuracy", ErrInvalidFix)
	}
	return nil
}
