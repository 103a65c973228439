package gateway

import (
	"strconv"

	"github.com/patrickwarner/openadtag/internal/consent"
)

// OpenRTBRequest is the subset of an OpenRTB 2.5 bid request the ad server
// accepts on POST /ad.
type OpenRTBRequest struct {
	ID     string       `json:"id"`
	Imp    []Impression `json:"imp"`
	Site   *Site        `json:"site,omitempty"`
	User   User         `json:"user"`
	Device Device       `json:"device"`
	Regs   *Regs        `json:"regs,omitempty"`
	Source *Source      `json:"source,omitempty"`
	Ext    RequestExt   `json:"ext,omitempty"`
}

type Impression struct {
	ID     string  `json:"id"`
	TagID  string  `json:"tagid"`
	W      int     `json:"w,omitempty"`
	H      int     `json:"h,omitempty"`
	Format []Size  `json:"format,omitempty"`
	Video  *Video  `json:"video,omitempty"`
	Ext    *ImpExt `json:"ext,omitempty"`
}

type Video struct {
	Mimes []string `json:"mimes"`
	W     int      `json:"w,omitempty"`
	H     int      `json:"h,omitempty"`
}

type ImpExt struct {
	Refresh      bool `json:"refresh,omitempty"`
	RefreshCount int  `json:"refresh_count,omitempty"`
}

type Site struct {
	Page   string `json:"page,omitempty"`
	Domain string `json:"domain,omitempty"`
}

type User struct {
	ID      string `json:"id"`
	Consent string `json:"consent,omitempty"`
}

type Device struct {
	UA string `json:"ua"`
	IP string `json:"ip"`
}

type Regs struct {
	GDPR      *int   `json:"gdpr,omitempty"`
	USPrivacy string `json:"us_privacy,omitempty"`
	GPP       string `json:"gpp,omitempty"`
	GPPSID    []int  `json:"gpp_sid,omitempty"`
}

type Source struct {
	SChain *SupplyChain `json:"schain,omitempty"`
}

// RequestExt carries publisher key-values and privacy flags.
type RequestExt struct {
	KV           map[string]string `json:"kv,omitempty"`
	PublisherID  int               `json:"publisher_id"`
	CustomParams map[string]string `json:"custom_params,omitempty"`
	NPA          bool              `json:"npa,omitempty"`
	RDP          bool              `json:"rdp,omitempty"`
}

type OpenRTBResponse struct {
	ID      string    `json:"id"`
	SeatBid []SeatBid `json:"seatbid"`
	// Nbr is the no-bid reason, set when nothing was served.
	Nbr int `json:"nbr,omitempty"`
}

type SeatBid struct {
	Bid []Bid `json:"bid"`
}

type Bid struct {
	ID     string  `json:"id"`
	ImpID  string  `json:"impid"`
	CrID   string  `json:"crid"`
	CID    string  `json:"cid"`
	Adm    string  `json:"adm"`
	Price  float64 `json:"price"`
	W      int     `json:"w,omitempty"`
	H      int     `json:"h,omitempty"`
	ImpURL string  `json:"impurl,omitempty"`
}

// BuildOpenRTBRequest converts req into the wire request.
func BuildOpenRTBRequest(id string, publisherID int, req Request) OpenRTBRequest {
	imp := Impression{ID: "1", TagID: req.AdUnitPath, Format: req.Sizes}
	if len(req.Sizes) > 0 {
		imp.W, imp.H = req.Sizes[0].W, req.Sizes[0].H
	}
	if req.Kind == KindVideo {
		imp.Video = &Video{Mimes: []string{"video/mp4", "video/webm"}, W: imp.W, H: imp.H}
	}
	if req.Refresh {
		imp.Ext = &ImpExt{Refresh: true, RefreshCount: req.RefreshCount}
	}

	out := OpenRTBRequest{
		ID:     id,
		Imp:    []Impression{imp},
		User:   User{ID: req.PPID},
		Device: Device{UA: req.UserAgent, IP: req.IP},
		Ext: RequestExt{
			KV:          req.Targeting,
			PublisherID: publisherID,
			CustomParams: map[string]string{
				"slot":       req.SlotID,
				"correlator": req.Correlator,
				"refresh":    strconv.FormatBool(req.Refresh),
			},
			NPA: req.Consent.NonPersonalizedOnly,
			RDP: req.Consent.RestrictedProcessing,
		},
	}
	if !req.Consent.Personalized() {
		out.User.ID = ""
	}
	if req.PageURL != "" {
		out.Site = &Site{Page: req.PageURL}
	}
	if req.SupplyChain != nil {
		out.Source = &Source{SChain: req.SupplyChain}
	}
	out.Regs = buildRegs(req.Consent)
	if req.Consent.TCString != "" {
		out.User.Consent = req.Consent.TCString
	}
	return out
}

func buildRegs(c consent.State) *Regs {
	r := &Regs{USPrivacy: c.USPString, GPP: c.GPPString, GPPSID: c.GPPSections}
	if c.GDPRApplies || c.Region == consent.RegionEU {
		one := 1
		r.GDPR = &one
	}
	if r.GDPR == nil && r.USPrivacy == "" && r.GPP == "" {
		return nil
	}
	return r
}
