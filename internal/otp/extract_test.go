package otp

import "testing"

func TestExtractCode(t *testing.T) {
	cases := []struct {
		name string
		text string
		want string
		ok   bool
	}{
		{name: "code then phrase", text: "186976 es el codigo de verificacion de tu cuenta", want: "186976", ok: true},
		{name: "accented phrase", text: "186976 es el código de verificación", want: "186976", ok: true},
		{name: "labelled code", text: "Codigo: 445566 valido por 3 minutos", want: "445566", ok: true},
		{name: "tu codigo es", text: "Tu codigo es 778899", want: "778899", ok: true},
		{name: "bare digits", text: "usa 123456 para continuar", want: "123456", ok: true},
		{name: "ignores longer runs", text: "ref 12345678 usa 987654", want: "987654", ok: true},
		{name: "collapses whitespace", text: "  334455   es  el  codigo ", want: "334455", ok: true},
		{name: "no code", text: "saldo disponible consulta *555#", ok: false},
		{name: "empty", text: "", ok: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ExtractCode(tc.text)
			if ok != tc.ok || got != tc.want {
				t.Fatalf("ExtractCode(%q) = %q, %v; want %q, %v", tc.text, got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestNormalizeSlot(t *testing.T) {
	cases := []struct {
		name    string
		sim     string
		simSlot string
		want    string
	}{
		{name: "label sim1", sim: "SIM1", want: "SIM1"},
		{name: "label sim2", sim: "sim2", want: "SIM2"},
		{name: "numeric label", sim: "2", want: "SIM2"},
		{name: "slot index zero", simSlot: "0", want: "SIM1"},
		{name: "slot index one", simSlot: "1", want: "SIM2"},
		{name: "label wins over slot", sim: "SIM1", simSlot: "1", want: "SIM1"},
		{name: "unknown defaults to sim1", want: "SIM1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := NormalizeSlot(tc.sim, tc.simSlot); got != tc.want {
				t.Fatalf("NormalizeSlot(%q, %q) = %q, want %q", tc.sim, tc.simSlot, got, tc.want)
			}
		})
	}
}
