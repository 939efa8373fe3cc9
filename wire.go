package server

import (
	"encoding/json"
	"strconv"
)

const (
	SessionTypeOffer  = "offer"
	SessionTypeAnswer = "answer"
)

// Route paths served by the rendezvous server. Parameterised segments use gin syntax.
const (
	PathLogin          = "/login"
	PathLogout         = "/logout/:id"
	PathOffers         = "/offers"
	PathAnswer         = "/answer/:id"
	PathPostOffer      = "/post_offer/:id"
	PathPostAnswer     = "/post_answer/:from/:to"
	PathPostCandidate  = "/post_ice/:id"
	PathDrainCandidate = "/consume_ices/:id"
	PathClientAsset    = "/client/:filename"
	PathHealth         = "/healthz"
)

// ClientID identifies a signaling participant for the lifetime of the server process.
type ClientID uint64

func (id ClientID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseClientID parses the decimal form used in URL paths.
func ParseClientID(s string) (ClientID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return ClientID(v), nil
}

// Answer is the answer directed at an offering client, together with the id of
// the client that answered.
type Answer struct {
	ID     ClientID        `json:"id"`
	Answer json.RawMessage `json:"answer"`
}

// CandidateBatch is the body returned when draining a candidate queue.
type CandidateBatch struct {
	ICEs []json.RawMessage `json:"ices"`
}

// Offers maps offering client ids to their session descriptions.
type Offers map[ClientID]json.RawMessage
