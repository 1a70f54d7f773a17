package requestdecider

import (
	"encoding/json"

	"github.com/keep-network/sbtc-signer/pkg/storage/model"
)

const requestVotesChannel = "request-votes"

const (
	depositVoteType    = "deposit_signer_vote"
	withdrawalVoteType = "withdrawal_signer_vote"
)

// depositVoteMessage carries a deposit vote over the peer bus; the
// vote's SignerPubKey is redundant with the envelope's sender identity
// but kept so a stored vote and a wire vote share one shape.
type depositVoteMessage struct {
	Vote model.DepositSignerVote
}

func (m *depositVoteMessage) Type() string { return depositVoteType }

func (m *depositVoteMessage) Marshal() ([]byte, error) {
	return json.Marshal(m.Vote)
}

func (m *depositVoteMessage) Unmarshal(data []byte) error {
	return json.Unmarshal(data, &m.Vote)
}

// withdrawalVoteMessage carries a withdrawal vote over the peer bus.
type withdrawalVoteMessage struct {
	Vote model.WithdrawalSignerVote
}

func (m *withdrawalVoteMessage) Type() string { return withdrawalVoteType }

func (m *withdrawalVoteMessage) Marshal() ([]byte, error) {
	return json.Marshal(m.Vote)
}

func (m *withdrawalVoteMessage) Unmarshal(data []byte) error {
	return json.Unmarshal(data, &m.Vote)
}
