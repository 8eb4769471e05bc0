package pevm

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/block-stm/pevm/blockstm"
	"github.com/block-stm/pevm/blockstm/chain"
	"github.com/block-stm/pevm/blockstm/storage"
	"github.com/block-stm/pevm/common"
)

// finalizeLazyAddresses folds the write history of every lazily-updated
// address (the beneficiary, plus raw-transfer senders/recipients) into a
// concrete balance and nonce per transaction, in ascending transaction
// order. This is the single-threaded pass that turns the deltas
// vm.Runner recorded during speculative execution into the same per-
// transaction state the non-lazy accounts already carry.
//
// Lazy addresses are, by construction (see vm.Database's isLazy gate),
// never contract accounts, so unlike a full account fold there is no code
// or storage to carry forward here — only balance and nonce.
func finalizeLazyAddresses(
	store storage.Storage,
	mv *blockstm.MvMemory,
	txEnvs []chain.TxEnv,
	txResults []TxResult,
	eip161 bool,
) error {
	for _, addr := range mv.ConsumeLazyAddresses() {
		locHash := blockstm.BasicLocation(addr).Hash()
		history := mv.WriteHistory(locHash)
		if len(history) == 0 {
			continue
		}

		basic, err := store.Basic(addr)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
		var info blockstm.AccountBasic
		if basic != nil {
			info = blockstm.AccountBasic{Balance: basic.Balance, Nonce: basic.Nonce}
		}

		for _, h := range history {
			switch h.Entry.Value.Kind {
			case blockstm.ValueBasic:
				info.Balance = h.Entry.Value.Basic.Balance
				info.Nonce = h.Entry.Value.Basic.Nonce
			case blockstm.ValueLazyRecipient:
				info.Balance = *lazyAdd(&info.Balance, &h.Entry.Value.Delta)
			case blockstm.ValueLazySender:
				tx := txEnvs[h.TxIdx]
				maxFee := maxFeeOf(tx)
				if info.Balance.Cmp(maxFee) < 0 {
					return fmt.Errorf("%w: sender %s cannot cover max fee for transaction %d", ErrExecution, addr, h.TxIdx)
				}
				info.Balance = *lazySub(&info.Balance, &h.Entry.Value.Delta)
				info.Nonce++
			default:
				return ErrUnreachable
			}

			setFoldedAccount(&txResults[h.TxIdx], addr, info, eip161)
		}
	}
	return nil
}

// maxFeeOf mirrors the redundant balance check the engine re-runs at
// finalization, since execution itself mocked the lazy sender's balance as
// unbounded: gas_limit * gas_price + value.
func maxFeeOf(tx chain.TxEnv) *uint256.Int {
	fee := new(uint256.Int).Mul(new(uint256.Int).SetUint64(tx.GasLimit), &tx.GasPrice)
	fee = lazyAdd(fee, &tx.Value)
	return fee
}

func setFoldedAccount(result *TxResult, addr common.Address, info blockstm.AccountBasic, eip161 bool) {
	if eip161 && info.Balance.IsZero() && info.Nonce == 0 {
		if result.State == nil {
			result.State = make(map[common.Address]*storage.EvmAccount)
		}
		result.State[addr] = nil
		return
	}
	if result.State == nil {
		result.State = make(map[common.Address]*storage.EvmAccount)
	}
	acc, ok := result.State[addr]
	if !ok || acc == nil {
		acc = &storage.EvmAccount{}
		result.State[addr] = acc
	}
	acc.Balance = info.Balance
	acc.Nonce = info.Nonce
}

func lazyAdd(a, b *uint256.Int) *uint256.Int {
	var z uint256.Int
	_, overflow := z.AddOverflow(a, b)
	if overflow {
		return new(uint256.Int).Not(uint256.NewInt(0))
	}
	return &z
}

func lazySub(a, b *uint256.Int) *uint256.Int {
	if a.Cmp(b) < 0 {
		return uint256.NewInt(0)
	}
	var z uint256.Int
	z.Sub(a, b)
	return &z
}
