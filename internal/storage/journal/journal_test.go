package journal

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfirmedIntentsAreNotPending(t *testing.T) {
	dir := t.TempDir()

	j, err := Open(dir)
	require.NoError(t, err)

	done, err := j.Prepare(ActionBuy, "strategy-1", "0xToken", decimal.NewFromInt(100), decimal.Zero)
	require.NoError(t, err)
	require.NoError(t, j.MarkDone(done, "0xabc"))

	failed, err := j.Prepare(ActionSell, "strategy-1", "0xToken", decimal.NewFromInt(50), decimal.Zero)
	require.NoError(t, err)
	require.NoError(t, j.MarkFailed(failed, errors.New("no route")))

	assert.Empty(t, j.Pending())
	require.NoError(t, j.Close())
}

func TestUnconfirmedIntentSurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	j, err := Open(dir)
	require.NoError(t, err)

	_, err = j.Prepare(ActionBid, "0xAuction", "", decimal.NewFromInt(1000), decimal.NewFromInt(10500))
	require.NoError(t, err)
	// crash before confirmation
	require.NoError(t, j.Close())

	j2, err := Open(dir)
	require.NoError(t, err)
	defer j2.Close()

	pending := j2.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, ActionBid, pending[0].Kind)
	assert.Equal(t, StatusPending, pending[0].Status)
	assert.True(t, pending[0].Amount.Equal(decimal.NewFromInt(1000)))
}

func TestConfirmationSupersedesPendingAcrossRestart(t *testing.T) {
	dir := t.TempDir()

	j, err := Open(dir)
	require.NoError(t, err)

	intent, err := j.Prepare(ActionBuy, "strategy-2", "0xToken", decimal.NewFromInt(25), decimal.Zero)
	require.NoError(t, err)
	require.NoError(t, j.MarkDone(intent, "0xdef"))
	require.NoError(t, j.Close())

	j2, err := Open(dir)
	require.NoError(t, err)
	defer j2.Close()

	assert.Empty(t, j2.Pending(), "the done record written later wins")
}
