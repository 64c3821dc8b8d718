package presence

import (
	"errors"
	"math"
	"testing"

	"pgregory.net/rapid"
)

func ptr(t PunchType) *PunchType { return &t }

func TestInferNextPunchTypeWithBreaks(t *testing.T) {
	var last *PunchType
	var got []PunchType
	for {
		next, ok := InferNextPunchType(last, true)
		if !ok {
			break
		}
		got = append(got, next)
		last = ptr(next)
	}
	want := []PunchType{Entry, BreakStart, BreakEnd, Break2Start, Break2End, Exit}
	if len(got) != len(want) {
		t.Fatalf("sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sequence[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestInferNextPunchTypeWithoutBreaks(t *testing.T) {
	next, ok := InferNextPunchType(nil, false)
	if !ok || next != Entry {
		t.Fatalf("first punch = %s,%v", next, ok)
	}
	next, ok = InferNextPunchType(ptr(Entry), false)
	if !ok || next != Exit {
		t.Fatalf("after entry = %s,%v", next, ok)
	}
	if _, ok := InferNextPunchType(ptr(Exit), false); ok {
		t.Fatalf("expected no punch after exit")
	}
}

// TestPropertyPunchMonotonicity verifies that inference never moves backwards
// and stops after EXIT.
func TestPropertyPunchMonotonicity(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		breakRequired := rapid.Bool().Draw(rt, "break_required")
		var last *PunchType
		if rapid.Bool().Draw(rt, "has_last") {
			last = ptr(rapid.SampledFrom(fullSequence).Draw(rt, "last"))
		}
		next, ok := InferNextPunchType(last, breakRequired)
		again, againOK := InferNextPunchType(last, breakRequired)
		if next != again || ok != againOK {
			rt.Fatalf("inference not deterministic: %s/%v vs %s/%v", next, ok, again, againOK)
		}
		if last != nil && *last == Exit {
			if ok {
				rt.Fatalf("got %s after EXIT", next)
			}
			return
		}
		if !ok {
			rt.Fatalf("no next punch after %v", last)
		}
		if last != nil && Rank(next) <= Rank(*last) {
			rt.Fatalf("next %s does not progress past %s", next, *last)
		}
	})
}

func TestDeriveDayState(t *testing.T) {
	cases := []struct {
		name string
		in   DayInput
		want string
	}{
		{"empty", DayInput{}, AguardandoEntrada},
		{"entered", DayInput{Punches: []PunchType{Entry}, BreakRequired: true}, EmExpediente},
		{"on break", DayInput{Punches: []PunchType{Entry, BreakStart}, BreakRequired: true}, EmIntervalo},
		{"back from break", DayInput{Punches: []PunchType{Entry, BreakStart, BreakEnd}, BreakRequired: true}, EmExpediente},
		{"only exit left", DayInput{Punches: []PunchType{Entry, BreakStart, BreakEnd, Break2Start, Break2End}, BreakRequired: true}, AguardandoSaida},
		{"no breaks policy", DayInput{Punches: []PunchType{Entry}}, EmExpediente},
		{"closed", DayInput{Punches: []PunchType{Entry, Exit}}, Fechado},
		{"closed with open justification", DayInput{Punches: []PunchType{Entry, Exit}, OutOfRadius: true, Pendencies: PendencySummary{OpenRequired: 1}}, PendenteJustificativa},
		{"closed awaiting approval", DayInput{Punches: []PunchType{Entry, Exit}, OutOfRadius: true, Pendencies: PendencySummary{AwaitingApproval: 1}}, PendenteAprovacao},
		{"adjusted", DayInput{Punches: []PunchType{Entry, Exit}, OutOfRadius: true}, Ajustado},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DeriveDayState(tc.in); got != tc.want {
				t.Fatalf("DeriveDayState = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestSiteWithin(t *testing.T) {
	site := Site{Latitude: -23.5505, Longitude: -46.6333, RadiusMeters: 100}
	in, d := site.Within(-23.5505, -46.6333)
	if !in || d != 0 {
		t.Fatalf("center: within=%v distance=%v", in, d)
	}
	// roughly 1.1km north
	in, d = site.Within(-23.5405, -46.6333)
	if in {
		t.Fatalf("expected fix outside radius, distance=%v", d)
	}
	if math.Abs(d-1112) > 5 {
		t.Fatalf("distance = %v, want ~1112m", d)
	}
}

func TestValidateFix(t *testing.T) {
	if err := ValidateFix(10, 20, 5); err != nil {
		t.Fatalf("valid fix rejected: %v", err)
	}
	bad := [][3]float64{
		{91, 0, 0},
		{0, -181, 0},
		{0, 0, -1},
		{math.NaN(), 0, 0},
		{0, math.Inf(1), 0},
	}
	for _, b := range bad {
		if err := ValidateFix(b[0], b[1], b[2]); !errors.Is(err, ErrInvalidFix) {
			t.Fatalf("ValidateFix(%v) = %v, want ErrInvalidFix", b, err)
		}
	}
}

func TestParsePunchType(t *testing.T) {
	got, err := ParsePunchType("BREAK_START")
	if err != nil || got != BreakStart {
		t.Fatalf("ParsePunchType(BREAK_START) = %v, %v", got, err)
	}
	if _, err := ParsePunchType("LUNCH"); err == nil {
		t.Fatal("expected unknown punch type to be rejected")
	}
}
