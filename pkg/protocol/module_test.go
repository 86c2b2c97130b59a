package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/cfoust/glide/pkg/prefs"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type move struct {
	X float64 `cbor:"x" json:"x"`
	Y float64 `cbor:"y" json:"y"`
}

type brokenBinary struct {
	Name string `json:"name"`
}

func (brokenBinary) MarshalCBOR() ([]byte, error) {
	return nil, errors.New("no binary form")
}

func newAdapter(store prefs.Store) *Adapter {
	return NewAdapter(DefaultConfig(), store, zerolog.Nop())
}

func TestNegotiateCaches(t *testing.T) {
	ctx := context.Background()
	adapter := newAdapter(prefs.NewMemoryStore())

	probes := 0
	adapter.SetProbe(func(ctx context.Context) error {
		probes++
		return nil
	})

	assert.Equal(t, FormatBinary, adapter.Negotiate(ctx))
	assert.Equal(t, FormatBinary, adapter.Negotiate(ctx))
	assert.Equal(t, 1, probes)
}

func TestNegotiateProbeFailure(t *testing.T) {
	adapter := newAdapter(prefs.NewMemoryStore())
	adapter.SetProbe(func(ctx context.Context) error {
		return errors.New("unsupported")
	})
	assert.Equal(t, FormatStructured, adapter.Negotiate(context.Background()))
}

func TestBinaryDisabledPreference(t *testing.T) {
	ctx := context.Background()
	store := prefs.NewMemoryStore()
	adapter := newAdapter(store)

	require.Equal(t, FormatBinary, adapter.Negotiate(ctx))

	// Toggling clears the cached decision
	require.NoError(t, adapter.SetBinaryDisabled(ctx, true))
	assert.True(t, adapter.BinaryDisabled(ctx))
	assert.Equal(t, FormatStructured, adapter.Negotiate(ctx))

	value, err := store.GetBool(ctx, BINARY_DISABLED)
	require.NoError(t, err)
	assert.True(t, value)

	// A fresh adapter honours the persisted preference
	assert.Equal(t, FormatStructured, newAdapter(store).Negotiate(ctx))

	require.NoError(t, adapter.SetBinaryDisabled(ctx, false))
	assert.Equal(t, FormatBinary, adapter.Negotiate(ctx))
}

func TestFormatPerType(t *testing.T) {
	ctx := context.Background()
	adapter := newAdapter(prefs.NewMemoryStore())

	assert.Equal(t, FormatBinary, adapter.FormatFor(ctx, "move"))
	assert.Equal(t, FormatStructured, adapter.FormatFor(ctx, "chat"))
}

func TestEncode(t *testing.T) {
	ctx := context.Background()
	adapter := newAdapter(prefs.NewMemoryStore())

	data, format, err := adapter.Encode(ctx, "move", move{X: 1, Y: 2})
	require.NoError(t, err)
	assert.Equal(t, FormatBinary, format)

	var decoded move
	require.NoError(t, cbor.Unmarshal(data, &decoded))
	assert.Equal(t, move{X: 1, Y: 2}, decoded)

	data, format, err = adapter.Encode(ctx, "chat", map[string]string{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, FormatStructured, format)
	assert.JSONEq(t, `{"text":"hi"}`, string(data))
}

func TestEncodeFallback(t *testing.T) {
	ctx := context.Background()
	adapter := NewAdapter(Config{BinaryTypes: []string{"skill"}}, prefs.NewMemoryStore(), zerolog.Nop())

	data, format, err := adapter.Encode(ctx, "skill", brokenBinary{Name: "fireball"})
	require.NoError(t, err)
	assert.Equal(t, FormatStructured, format)
	assert.JSONEq(t, `{"name":"fireball"}`, string(data))

	// The fallback applies to that message only
	_, format, err = adapter.Encode(ctx, "skill", move{X: 1})
	require.NoError(t, err)
	assert.Equal(t, FormatBinary, format)

	_, _, err = adapter.Encode(ctx, "skill", make(chan int))
	assert.Error(t, err)
}

func TestDecode(t *testing.T) {
	binary, err := cbor.Marshal(map[string]any{"x": 1.5})
	require.NoError(t, err)

	value, format := Decode(binary)
	assert.Equal(t, FormatBinary, format)
	assert.Equal(t, map[string]any{"x": 1.5}, value)

	structured, err := json.Marshal(map[string]any{"x": 1.5})
	require.NoError(t, err)

	value, format = Decode(structured)
	assert.Equal(t, FormatStructured, format)
	assert.Equal(t, map[string]any{"x": 1.5}, value)

	raw := []byte("not a payload")
	value, format = Decode(raw)
	assert.Equal(t, FormatRaw, format)
	assert.Equal(t, raw, value)
}

func TestUnmarshal(t *testing.T) {
	binary, err := cbor.Marshal(move{X: 3, Y: 4})
	require.NoError(t, err)

	var target move
	format, err := Unmarshal(binary, &target)
	require.NoError(t, err)
	assert.Equal(t, FormatBinary, format)
	assert.Equal(t, move{X: 3, Y: 4}, target)

	target = move{}
	format, err = Unmarshal([]byte(`{"x": 5, "y": 6}`), &target)
	require.NoError(t, err)
	assert.Equal(t, FormatStructured, format)
	assert.Equal(t, move{X: 5, Y: 6}, target)

	format, err = Unmarshal([]byte("garbage"), &target)
	assert.Error(t, err)
	assert.Equal(t, FormatRaw, format)
}
