// Package contracts holds the ABIs of the bridge contracts the settlement
// node calls or listens to. Only the fragments in use are declared.
package contracts

import (
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
)

// L1BridgeMetaData describes the base chain bridge.
var L1BridgeMetaData = &bind.MetaData{
	ABI: `[
		{"type":"function","name":"bondTransferRoot","stateMutability":"nonpayable","outputs":[],"inputs":[
			{"name":"rootHash","type":"bytes32"},
			{"name":"chainIds","type":"uint256[]"},
			{"name":"chainAmounts","type":"uint256[]"}]},
		{"type":"function","name":"bondWithdrawal","stateMutability":"nonpayable","outputs":[],"inputs":[
			{"name":"recipient","type":"address"},
			{"name":"amount","type":"uint256"},
			{"name":"transferNonce","type":"bytes32"},
			{"name":"bonderFee","type":"uint256"}]},
		{"type":"function","name":"isTransferIdSpent","stateMutability":"view",
		 "inputs":[{"name":"transferId","type":"bytes32"}],
		 "outputs":[{"name":"","type":"bool"}]},
		{"type":"function","name":"getBondedWithdrawalAmount","stateMutability":"view",
		 "inputs":[{"name":"bonder","type":"address"},{"name":"transferId","type":"bytes32"}],
		 "outputs":[{"name":"","type":"uint256"}]},
		{"type":"function","name":"transferRootConfirmed","stateMutability":"view",
		 "inputs":[{"name":"transferRootId","type":"bytes32"}],
		 "outputs":[{"name":"","type":"bool"}]}
	]`,
}

// L2BridgeMetaData describes a rollup bridge. The settlement events are
// emitted here.
var L2BridgeMetaData = &bind.MetaData{
	ABI: `[
		{"type":"function","name":"bondWithdrawalAndDistribute","stateMutability":"nonpayable","outputs":[],"inputs":[
			{"name":"recipient","type":"address"},
			{"name":"amount","type":"uint256"},
			{"name":"transferNonce","type":"bytes32"},
			{"name":"bonderFee","type":"uint256"},
			{"name":"amountOutMin","type":"uint256"},
			{"name":"deadline","type":"uint256"}]},
		{"type":"function","name":"isTransferIdSpent","stateMutability":"view",
		 "inputs":[{"name":"transferId","type":"bytes32"}],
		 "outputs":[{"name":"","type":"bool"}]},
		{"type":"function","name":"getBondedWithdrawalAmount","stateMutability":"view",
		 "inputs":[{"name":"bonder","type":"address"},{"name":"transferId","type":"bytes32"}],
		 "outputs":[{"name":"","type":"uint256"}]},
		{"type":"event","name":"TransferSent","anonymous":false,"inputs":[
			{"name":"transferId","type":"bytes32","indexed":true},
			{"name":"chainId","type":"uint256","indexed":true},
			{"name":"recipient","type":"address","indexed":true},
			{"name":"amount","type":"uint256","indexed":false},
			{"name":"transferNonce","type":"bytes32","indexed":false},
			{"name":"bonderFee","type":"uint256","indexed":false},
			{"name":"index","type":"uint256","indexed":false},
			{"name":"amountOutMin","type":"uint256","indexed":false},
			{"name":"deadline","type":"uint256","indexed":false}]},
		{"type":"event","name":"TransfersCommitted","anonymous":false,"inputs":[
			{"name":"rootHash","type":"bytes32","indexed":true},
			{"name":"chainIds","type":"uint256[]","indexed":false},
			{"name":"chainAmounts","type":"uint256[]","indexed":false}]}
	]`,
}

const stateBatchHeader = `{"name":"_batchHeader","type":"tuple","components":[
	{"name":"batchIndex","type":"uint256"},
	{"name":"batchRoot","type":"bytes32"},
	{"name":"batchSize","type":"uint256"},
	{"name":"prevTotalElements","type":"uint256"},
	{"name":"extraData","type":"bytes"}]}`

// StateCommitmentChainMetaData describes the rollup state commitment chain
// on the base chain.
var StateCommitmentChainMetaData = &bind.MetaData{
	ABI: `[
		{"type":"function","name":"insideFraudProofWindow","stateMutability":"view",
		 "inputs":[` + stateBatchHeader + `],
		 "outputs":[{"name":"_inside","type":"bool"}]}
	]`,
}

// L1MessengerMetaData describes the cross-domain messenger on the base chain.
var L1MessengerMetaData = &bind.MetaData{
	ABI: `[
		{"type":"function","name":"relayMessage","stateMutability":"nonpayable","outputs":[],"inputs":[
			{"name":"_target","type":"address"},
			{"name":"_sender","type":"address"},
			{"name":"_message","type":"bytes"},
			{"name":"_messageNonce","type":"uint256"},
			{"name":"_proof","type":"tuple","components":[
				{"name":"stateRoot","type":"bytes32"},
				{"name":"stateRootBatchHeader","type":"tuple","components":[
					{"name":"batchIndex","type":"uint256"},
					{"name":"batchRoot","type":"bytes32"},
					{"name":"batchSize","type":"uint256"},
					{"name":"prevTotalElements","type":"uint256"},
					{"name":"extraData","type":"bytes"}]},
				{"name":"stateRootProof","type":"tuple","components":[
					{"name":"index","type":"uint256"},
					{"name":"siblings","type":"bytes32[]"}]},
				{"name":"stateTrieWitness","type":"bytes"},
				{"name":"storageTrieWitness","type":"bytes"}]}]}
	]`,
}
