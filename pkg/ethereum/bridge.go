package ethereum

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
)

// BridgeABIJSON is the subset of the bridge contract ABI the relayer uses.
const BridgeABIJSON = `[
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "uint256", "name": "amount", "type": "uint256"},
			{"indexed": true, "internalType": "address", "name": "user", "type": "address"},
			{"indexed": false, "internalType": "string", "name": "solanaAddress", "type": "string"},
			{"indexed": false, "internalType": "uint256", "name": "timestamp", "type": "uint256"}
		],
		"name": "TokensLocked",
		"type": "event"
	},
	{
		"inputs": [
			{"internalType": "address", "name": "user", "type": "address"},
			{"internalType": "string", "name": "solanaAddress", "type": "string"}
		],
		"name": "burnTokens",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

const (
	LockEventSignature = "TokensLocked(uint256,address,string,uint256)"
	burnMethod         = "burnTokens"
)

var (
	// SECURITY: Hardcoded ABI identifier for the TokensLocked event. The relayer only ever acts on logs carrying this
	// topic, emitted by the configured bridge contract.
	LockEventTopic = crypto.Keccak256Hash([]byte(LockEventSignature))

	BridgeABI = mustParseABI(BridgeABIJSON)
)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Single-value argument lists used to decode the lock event field by field, so that one malformed field does not hide
// the others.
var (
	Uint256Arg = mustArguments("uint256")
	AddressArg = mustArguments("address")
	StringArg  = mustArguments("string")
)

func mustArguments(typ string) abi.Arguments {
	t, err := abi.NewType(typ, "", nil)
	if err != nil {
		panic(err)
	}
	return abi.Arguments{{Type: t}}
}
