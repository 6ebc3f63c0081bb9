package callback

import (
	"encoding/json"
	"time"

	"github.com/mbd888/alswitch/internal/fspiop"
	"github.com/mbd888/alswitch/internal/idgen"
)

// Subject identifies what a switch-built payload is about and who assigns
// it to whom.
type Subject struct {
	Params   fspiop.Params
	Assigner string
	Assignee string
}

// Formatter builds the payloads the switch authors itself. It is chosen
// once at startup from API_TYPE.
type Formatter interface {
	APIType() fspiop.APIType
	ErrorBody(e *fspiop.Error, s Subject) ([]byte, error)
	ParticipantBody(fspID string, s Subject) ([]byte, error)
}

// NewFormatter returns the Formatter for api. Unknown values get FSPIOP.
func NewFormatter(api fspiop.APIType) Formatter {
	if api == fspiop.APIISO20022 {
		return &ISO20022Formatter{now: time.Now}
	}
	return FSPIOPFormatter{}
}

// FSPIOPFormatter writes the flat FSPIOP objects.
type FSPIOPFormatter struct{}

func (FSPIOPFormatter) APIType() fspiop.APIType { return fspiop.APIFSPIOP }

func (FSPIOPFormatter) ErrorBody(e *fspiop.Error, _ Subject) ([]byte, error) {
	return json.Marshal(fspiop.ErrorInformationObject{ErrorInformation: e.Information()})
}

func (FSPIOPFormatter) ParticipantBody(fspID string, _ Subject) ([]byte, error) {
	return json.Marshal(struct {
		FspID string `json:"fspId"`
	}{fspID})
}

// ISO20022Formatter writes identification verification reports (acmt.024
// shaped): an Assgnmt header and a Rpt block.
type ISO20022Formatter struct {
	now func() time.Time
}

func (*ISO20022Formatter) APIType() fspiop.APIType { return fspiop.APIISO20022 }

type isoAgent struct {
	FinInstnID struct {
		Othr struct {
			ID string `json:"Id"`
		} `json:"Othr"`
	} `json:"FinInstnId"`
}

type isoParty struct {
	Agt isoAgent `json:"Agt"`
}

func agent(id string) isoParty {
	var p isoParty
	p.Agt.FinInstnID.Othr.ID = id
	return p
}

type isoAssignment struct {
	MsgID   string   `json:"MsgId"`
	CreDtTm string   `json:"CreDtTm"`
	Assgnr  isoParty `json:"Assgnr"`
	Assgne  isoParty `json:"Assgne"`
}

type isoReason struct {
	Cd string `json:"Cd"`
}

type isoUpdated struct {
	Pty struct {
		ID struct {
			OrgID struct {
				Othr struct {
					ID      string `json:"Id"`
					SchmeNm struct {
						Prtry string `json:"Prtry"`
					} `json:"SchmeNm"`
				} `json:"Othr"`
			} `json:"OrgId"`
		} `json:"Id"`
	} `json:"Pty"`
	Agt isoAgent `json:"Agt"`
}

type isoReport struct {
	Vrfctn            bool        `json:"Vrfctn"`
	OrgnlID           string      `json:"OrgnlId"`
	Rsn               *isoReason  `json:"Rsn,omitempty"`
	UpdtdPtyAndAcctID *isoUpdated `json:"UpdtdPtyAndAcctId,omitempty"`
}

type isoMessage struct {
	Assgnmt isoAssignment `json:"Assgnmt"`
	Rpt     isoReport     `json:"Rpt"`
}

func (f *ISO20022Formatter) assignment(s Subject) isoAssignment {
	return isoAssignment{
		MsgID:   idgen.MessageID(),
		CreDtTm: f.now().UTC().Format("2006-01-02T15:04:05.000Z"),
		Assgnr:  agent(s.Assigner),
		Assgne:  agent(s.Assignee),
	}
}

func (f *ISO20022Formatter) ErrorBody(e *fspiop.Error, s Subject) ([]byte, error) {
	return json.Marshal(isoMessage{
		Assgnmt: f.assignment(s),
		Rpt: isoReport{
			Vrfctn:  false,
			OrgnlID: s.Params.Path(),
			Rsn:     &isoReason{Cd: string(e.Code)},
		},
	})
}

func (f *ISO20022Formatter) ParticipantBody(fspID string, s Subject) ([]byte, error) {
	upd := &isoUpdated{}
	upd.Pty.ID.OrgID.Othr.ID = s.Params.ID
	upd.Pty.ID.OrgID.Othr.SchmeNm.Prtry = string(s.Params.Type)
	upd.Agt.FinInstnID.Othr.ID = fspID
	return json.Marshal(isoMessage{
		Assgnmt: f.assignment(s),
		Rpt: isoReport{
			Vrfctn:            true,
			OrgnlID:           s.Params.Path(),
			UpdtdPtyAndAcctID: upd,
		},
	})
}
