package consent

// USPrivacy reads the CCPA US Privacy string (version 1).
type USPrivacy struct {
	Endpoint Endpoint
}

func (p *USPrivacy) Source() Source { return SourceUSPrivacy }

func (p *USPrivacy) Query(report func(State, bool)) {
	if p.Endpoint == nil {
		report(State{}, false)
		return
	}
	p.Endpoint.Call("getUSPData", 1, func(payload []byte, success bool) {
		if !success {
			report(State{}, false)
			return
		}
		doc, err := decode(payload)
		if err != nil {
			report(State{}, false)
			return
		}
		usp := doc.str("uspString")
		if len(usp) != 4 {
			report(State{}, false)
			return
		}
		report(State{
			HasConsent:           true,
			RestrictedProcessing: usp[2] == 'Y' || usp[2] == 'y',
			USPString:            usp,
			ResolvedVia:          SourceUSPrivacy,
		}, true)
	})
}
