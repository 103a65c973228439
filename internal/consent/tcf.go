package consent

import "fmt"

// GoogleVendorID is the IAB global vendor list ID whose consent full
// personalization requires.
const GoogleVendorID = 755

var requiredPurposes = []int{1, 3, 4}

// TCF listens to the IAB TCF v2 API. Only tcloaded and useractioncomplete
// events carry a usable decision; other events are ignored.
type TCF struct {
	Endpoint Endpoint
	VendorID int
}

func (p *TCF) Source() Source { return SourceTCF }

func (p *TCF) Query(report func(State, bool)) {
	if p.Endpoint == nil {
		report(State{}, false)
		return
	}
	p.Endpoint.Call("addEventListener", 2, func(payload []byte, success bool) {
		if !success {
			report(State{}, false)
			return
		}
		st, final, err := p.parse(payload)
		if err != nil {
			report(State{}, false)
			return
		}
		if final {
			report(st, true)
		}
	})
}

func (p *TCF) parse(payload []byte) (State, bool, error) {
	doc, err := decode(payload)
	if err != nil {
		return State{}, false, err
	}
	switch doc.str("eventStatus") {
	case "tcloaded", "useractioncomplete":
	default:
		return State{}, false, nil
	}

	vendor := p.VendorID
	if vendor == 0 {
		vendor = GoogleVendorID
	}
	full := doc.truthy(fmt.Sprintf("vendor.consents.\"%d\"", vendor))
	for _, purpose := range requiredPurposes {
		full = full && doc.truthy(fmt.Sprintf("purpose.consents.\"%d\"", purpose))
	}

	st := State{
		GDPRApplies: doc.truthy("gdprApplies"),
		TCString:    doc.str("tcString"),
		ResolvedVia: SourceTCF,
	}
	if full {
		st.HasConsent = true
	} else {
		st.NonPersonalizedOnly = true
	}
	return st, true, nil
}
