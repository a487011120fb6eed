package telemetry

import "strings"

// ModelDetection derives printer family and capability flags from the
// reported model string. The mapping follows the model identifiers the
// firmware actually reports (marketing names for the K1 family, F-codes
// for newer boards).
type ModelDetection struct {
	Model string

	IsK1Base      bool
	IsK1SE        bool
	IsK1Max       bool
	IsK2Base      bool
	IsK2Pro       bool
	IsK2Plus      bool
	IsEnderV3     bool
	IsEnderV3KE   bool
	IsEnderV3Plus bool
	IsCrealityHi  bool

	IsK1Family      bool
	IsK2Family      bool
	IsEnderV3Family bool

	HasLight      bool
	HasBoxSensor  bool
	HasBoxControl bool
}

// DetectModel classifies the model string from the live state.
func DetectModel(model string) ModelDetection {
	l := strings.ToLower(model)

	d := ModelDetection{Model: model}

	d.IsK1Base = strings.Contains(l, "cr-k1")
	d.IsK1SE = strings.Contains(l, "k1 se")
	d.IsK1Max = strings.Contains(l, "cr-k1 max")
	d.IsK2Base = strings.Contains(model, "F021")
	d.IsK2Pro = strings.Contains(model, "F012")
	d.IsK2Plus = strings.Contains(model, "F008")

	d.IsEnderV3KE = strings.Contains(model, "F005") || strings.Contains(l, "ender-3 v3 ke")
	d.IsEnderV3Plus = strings.Contains(model, "F002") || strings.Contains(l, "ender-3 v3 plus")
	if !d.IsEnderV3KE && !d.IsEnderV3Plus {
		d.IsEnderV3 = strings.Contains(model, "F001") || strings.Contains(l, "ender-3 v3")
	}
	d.IsCrealityHi = strings.Contains(model, "F018") || strings.Contains(l, "creality hi")

	d.IsK1Family = d.IsK1Base || d.IsK1SE || d.IsK1Max || strings.Contains(l, "k1")
	d.IsK2Family = d.IsK2Base || d.IsK2Pro || d.IsK2Plus || strings.Contains(l, "k2")
	d.IsEnderV3Family = d.IsEnderV3KE || d.IsEnderV3Plus || d.IsEnderV3 ||
		(strings.Contains(l, "ender") && strings.Contains(l, "v3"))

	d.HasBoxControl = d.IsK2Pro || d.IsK2Plus
	d.HasBoxSensor = (d.IsK1Family && !d.IsK1SE) || d.IsK1Max || d.IsK2Family
	d.HasLight = !(d.IsK1SE || d.IsEnderV3Family)

	return d
}

// FriendlyName returns the marketing name for a detected model, or the
// raw model string when the model is unknown.
func (d ModelDetection) FriendlyName() string {
	switch {
	case d.IsK1Max:
		return "K1 Max"
	case d.IsK1SE:
		return "K1 SE"
	case d.IsK1Base:
		return "K1"
	case d.IsK2Base:
		return "K2"
	case d.IsK2Pro:
		return "K2 Pro"
	case d.IsK2Plus:
		return "K2 Plus"
	case d.IsEnderV3KE:
		return "Ender-3 V3 KE"
	case d.IsEnderV3Plus:
		return "Ender-3 V3 Plus"
	case d.IsEnderV3:
		return "Ender-3 V3"
	case d.IsCrealityHi:
		return "Creality Hi"
	default:
		return d.Model
	}
}
