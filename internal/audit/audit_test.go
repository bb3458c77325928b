package audit

import (
	"context"
	"errors"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSink struct{ err error }

func (f failingSink) Record(context.Context, Divergence) error { return f.err }
func (f failingSink) Close() error                             { return f.err }

func sample() Divergence {
	return Divergence{
		Address:    common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		Phase:      3,
		Kind:       KindEligibleTokens,
		Ledger:     big.NewInt(1_000),
		Local:      big.NewInt(990),
		RefreshID:  "r-1",
		ObservedAt: time.Unix(1_700_000_000, 0).UTC(),
	}
}

func TestDivergence_Delta(t *testing.T) {
	assert.Equal(t, int64(10), sample().Delta().Int64())
	assert.Equal(t, int64(-5), Divergence{Local: big.NewInt(5)}.Delta().Int64())
}

func TestMemorySink(t *testing.T) {
	m := NewMemorySink()
	require.NoError(t, m.Record(context.Background(), sample()))
	require.NoError(t, m.Record(context.Background(), sample()))

	recs := m.Records()
	require.Len(t, recs, 2)
	recs[0].Phase = 99
	assert.Equal(t, uint64(3), m.Records()[0].Phase)
}

func TestMultiSink_JoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	mem := NewMemorySink()
	m := MultiSink{mem, failingSink{err: boom}, NewLogSink()}

	err := m.Record(context.Background(), sample())
	assert.ErrorIs(t, err, boom)
	assert.Len(t, mem.Records(), 1, "a failing sink must not stop the others")
	assert.ErrorIs(t, m.Close(), boom)
}

func TestDivergenceArgs(t *testing.T) {
	args := divergenceArgs(sample())
	require.Len(t, args, 7)
	assert.Equal(t, sample().Address.Hex(), args[0])
	assert.Equal(t, int64(3), args[1])
	assert.Equal(t, "1000", args[3])
	assert.Equal(t, "990", args[4])

	empty := divergenceArgs(Divergence{})
	assert.Equal(t, "0", empty[3])
	assert.False(t, empty[6].(time.Time).IsZero())
}

// Runs against a live database when PHASESTAKE_TEST_POSTGRES_DSN is set.
func TestPostgresSink_RoundTrip(t *testing.T) {
	dsn := os.Getenv("PHASESTAKE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PHASESTAKE_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sink, err := NewPostgresSink(ctx, dsn)
	require.NoError(t, err)
	defer sink.Close()

	d := sample()
	d.Address = common.BigToAddress(big.NewInt(time.Now().UnixNano()))
	require.NoError(t, sink.Record(ctx, d))

	got, err := sink.Recent(ctx, d.Address, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, d.Phase, got[0].Phase)
	assert.Equal(t, 0, got[0].Ledger.Cmp(d.Ledger))
	assert.Equal(t, 0, got[0].Local.Cmp(d.Local))
}
