package mempool

import (
	"testing"

	"github.com/stretchr/testify/require"

	"findag.dev/core/fincrypto"
	"findag.dev/core/model"
	"findag.dev/core/timesource"
)

func signedTx(t *testing.T, amount uint64, findagTime model.FinDAGTime) *model.Transaction {
	t.Helper()
	pub, sk, err := fincrypto.GenerateKeypair()
	require.NoError(t, err)
	asset, err := model.AssetCodeFromString("USD")
	require.NoError(t, err)
	tx := &model.Transaction{
		From:       fincrypto.AddressFromPublicKey(pub),
		Amount:     amount,
		Asset:      asset,
		FinDAGTime: findagTime,
		PublicKey:  pub,
	}
	sig := fincrypto.Sign(sk, tx.CanonicalBytes(false))
	tx.Signature = [64]byte(sig)
	return tx
}

func TestSubmitAdmitsThenDuplicates(t *testing.T) {
	p := New(DefaultConfig(), nil)
	tx := signedTx(t, 10, 100)
	outcome, err := p.Submit(tx)
	require.NoError(t, err)
	require.Equal(t, Admitted, outcome)

	outcome, err = p.Submit(tx)
	require.NoError(t, err)
	require.Equal(t, Duplicate, outcome)
}

func TestSubmitRejectsInvalidSignature(t *testing.T) {
	p := New(DefaultConfig(), nil)
	tx := signedTx(t, 10, 100)
	tx.Amount = 999 // invalidates the signature without re-signing
	outcome, err := p.Submit(tx)
	require.Error(t, err)
	require.Equal(t, InvalidSignature, outcome)
}

func TestSubmitRejectsUnknownAsset(t *testing.T) {
	cfg := DefaultConfig()
	eur, err := model.AssetCodeFromString("EUR")
	require.NoError(t, err)
	cfg.AssetWhitelist = map[model.AssetCode]struct{}{eur: {}}
	p := New(cfg, nil)
	tx := signedTx(t, 10, 100)
	outcome, submitErr := p.Submit(tx)
	require.Error(t, submitErr)
	require.Equal(t, UnknownAsset, outcome)
}

func TestDrainOrdersByFinDAGTimeThenHashTimer(t *testing.T) {
	p := New(DefaultConfig(), nil)
	txLate := signedTx(t, 1, 200)
	txEarly := signedTx(t, 2, 100)
	_, err := p.Submit(txLate)
	require.NoError(t, err)
	_, err = p.Submit(txEarly)
	require.NoError(t, err)

	drained := p.Drain(0, 0)
	require.Len(t, drained, 2)
	require.Equal(t, txEarly.Amount, drained[0].Amount)
	require.Equal(t, txLate.Amount, drained[1].Amount)
}

func TestDrainRespectsMaxCountAndLeavesRemainder(t *testing.T) {
	p := New(DefaultConfig(), nil)
	for i := 0; i < 5; i++ {
		_, err := p.Submit(signedTx(t, uint64(i), model.FinDAGTime(100+i)))
		require.NoError(t, err)
	}
	drained := p.Drain(0, 2)
	require.Len(t, drained, 2)
	count, _ := p.Size()
	require.Equal(t, 3, count)
}

func TestEvictExpiredRemovesOldTransactions(t *testing.T) {
	p := New(DefaultConfig(), nil)
	tx := signedTx(t, 1, 100)
	_, err := p.Submit(tx)
	require.NoError(t, err)

	ticksPerTTL := uint64(p.cfg.TTL / timesource.TickDuration())
	p.EvictExpired(model.FinDAGTime(100 + ticksPerTTL + 1))
	count, _ := p.Size()
	require.Equal(t, 0, count)
}
