package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/AIAleph/token_holders/internal/ledger"
)

func TestEnsureTopicDefaultsFillsMissingStandards(t *testing.T) {
	saved := transferEvents
	savedTopic := TransferTopic
	defer func() {
		transferEvents = saved
		TransferTopic = savedTopic
	}()

	transferEvents = map[ledger.Kind]transferEvent{}
	TransferTopic = [32]byte{}
	ensureTopicDefaults()

	assert.Equal(t, keccak(transferSignature), TransferTopic)
	assert.Equal(t, 3, transferEvents[ledger.KindNonFungible].indexed)
}

func TestLoadStandardABIIgnoresOtherEvents(t *testing.T) {
	saved := transferEvents
	defer func() { transferEvents = saved }()

	transferEvents = map[ledger.Kind]transferEvent{}
	loadStandardABI(ledger.KindFungible, []byte(`[
		{"type":"event","name":"Approval","inputs":[{"type":"address","indexed":true},{"type":"address","indexed":true},{"type":"uint256"}]},
		{"type":"function","name":"Transfer","inputs":[{"type":"address"}]}
	]`))
	assert.Empty(t, transferEvents)

	loadStandardABI(ledger.KindFungible, nil)
	assert.Empty(t, transferEvents)
}

func TestLoadStandardABIPanicsOnInvalidJSON(t *testing.T) {
	assert.Panics(t, func() { loadStandardABI(ledger.KindFungible, []byte("{")) })
}

func TestSignatureNormalizesTypes(t *testing.T) {
	assert.Equal(t, "Transfer(address,address,uint256)", signature(" Transfer ", []abiArgument{{Type: "address"}, {Type: " address"}, {Type: "uint 256"}}))
	assert.Equal(t, "", signature("", nil))
	assert.Equal(t, "", signature("X", []abiArgument{{Type: " "}}))
}
