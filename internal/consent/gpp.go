package consent

// GPP queries the Global Privacy Platform API: ping, then getGPPData.
type GPP struct {
	Endpoint Endpoint
}

func (p *GPP) Source() Source { return SourceGPP }

func (p *GPP) Query(report func(State, bool)) {
	if p.Endpoint == nil {
		report(State{}, false)
		return
	}
	p.Endpoint.Call("ping", 1, func(payload []byte, success bool) {
		if !success {
			report(State{}, false)
			return
		}
		if _, err := decode(payload); err != nil {
			report(State{}, false)
			return
		}
		p.Endpoint.Call("getGPPData", 1, func(payload []byte, success bool) {
			if !success {
				report(State{}, false)
				return
			}
			st, err := parseGPPData(payload)
			report(st, err == nil)
		})
	})
}

func parseGPPData(payload []byte) (State, error) {
	doc, err := decode(payload)
	if err != nil {
		return State{}, err
	}
	st := State{
		HasConsent:  true,
		GPPString:   doc.str("gppString"),
		GPPSections: doc.ints("applicableSections"),
		ResolvedVia: SourceGPP,
	}
	for _, field := range []string{"SaleOptOut", "SharingOptOut", "TargetedAdvertisingOptOut"} {
		if v, ok := doc.number("parsedSections.usnat." + field); ok && v == 1 {
			st.RestrictedProcessing = true
		}
	}
	return st, nil
}
