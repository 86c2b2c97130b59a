package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/cfoust/glide/pkg/prefs"

	"github.com/fxamacker/cbor/v2"
	"github.com/repeale/fp-go/option"
	"github.com/rs/zerolog"
	"github.com/sasha-s/go-deadlock"
)

// The persisted preference that forces the structured format.
const BINARY_DISABLED = "binary_disabled"

type Format uint8

const (
	FormatBinary Format = iota
	FormatStructured
	// The payload could not be decoded and was passed through untouched
	FormatRaw
)

func (f Format) String() string {
	switch f {
	case FormatBinary:
		return "binary"
	case FormatStructured:
		return "structured"
	case FormatRaw:
		return "raw"
	default:
		return "unknown"
	}
}

type Config struct {
	// Message types that may use the binary format once it is negotiated
	BinaryTypes []string `yaml:"binaryTypes" json:"binaryTypes"`
}

func DefaultConfig() Config {
	return Config{
		BinaryTypes: []string{"move", "cast", "snapshot"},
	}
}

// Probe reports whether the binary format is usable this session.
type Probe func(ctx context.Context) error

type probeSample struct {
	Type  string    `cbor:"1,keyasint"`
	Value []float64 `cbor:"2,keyasint"`
}

// RoundTripProbe checks that the binary codec can encode and decode a
// representative payload.
func RoundTripProbe(ctx context.Context) error {
	sample := probeSample{
		Type:  "probe",
		Value: []float64{1.5, -2, 0},
	}

	data, err := cbor.Marshal(sample)
	if err != nil {
		return err
	}

	var decoded probeSample
	if err := cbor.Unmarshal(data, &decoded); err != nil {
		return err
	}

	if !reflect.DeepEqual(sample, decoded) {
		return fmt.Errorf("binary round trip mismatch")
	}
	return nil
}

var decodeMode, _ = cbor.DecOptions{
	DefaultMapType: reflect.TypeOf(map[string]any(nil)),
}.DecMode()

type Adapter struct {
	log    zerolog.Logger
	prefs  prefs.Store
	probe  Probe
	binary map[string]struct{}

	mutex      deadlock.Mutex
	negotiated opt.Option[Format]
}

func NewAdapter(config Config, store prefs.Store, logger zerolog.Logger) *Adapter {
	binary := make(map[string]struct{})
	for _, typ := range config.BinaryTypes {
		binary[typ] = struct{}{}
	}

	return &Adapter{
		log:        logger.With().Str("component", "protocol").Logger(),
		prefs:      store,
		probe:      RoundTripProbe,
		binary:     binary,
		negotiated: opt.None[Format](),
	}
}

// SetProbe replaces the capability check and forgets the cached result.
func (a *Adapter) SetProbe(probe Probe) {
	a.mutex.Lock()
	a.probe = probe
	a.negotiated = opt.None[Format]()
	a.mutex.Unlock()
}

// Negotiate decides between the binary and structured formats. The result is
// cached until the preference changes.
func (a *Adapter) Negotiate(ctx context.Context) Format {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if opt.IsSome(a.negotiated) {
		return a.negotiated.Value
	}

	format := FormatBinary
	disabled, err := prefs.Lookup(ctx, a.prefs, BINARY_DISABLED, false)
	if err != nil {
		a.log.Warn().Err(err).Msg("could not read preference")
	}

	if disabled {
		format = FormatStructured
	} else if err := a.probe(ctx); err != nil {
		a.log.Info().Err(err).Msg("binary format unavailable")
		format = FormatStructured
	}

	a.log.Debug().Str("format", format.String()).Msg("negotiated")
	a.negotiated = opt.Some(format)
	return format
}

func (a *Adapter) BinaryDisabled(ctx context.Context) bool {
	disabled, err := prefs.Lookup(ctx, a.prefs, BINARY_DISABLED, false)
	if err != nil {
		a.log.Warn().Err(err).Msg("could not read preference")
	}
	return disabled
}

// SetBinaryDisabled persists the preference and clears the negotiated format
// so that the next send re-evaluates it.
func (a *Adapter) SetBinaryDisabled(ctx context.Context, disabled bool) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if err := a.prefs.SetBool(ctx, BINARY_DISABLED, disabled); err != nil {
		return fmt.Errorf("could not persist %s: %w", BINARY_DISABLED, err)
	}

	a.negotiated = opt.None[Format]()
	return nil
}

// FormatFor is the format a message of this type will be encoded with.
func (a *Adapter) FormatFor(ctx context.Context, typ string) Format {
	if a.Negotiate(ctx) != FormatBinary {
		return FormatStructured
	}

	if _, ok := a.binary[typ]; !ok {
		return FormatStructured
	}
	return FormatBinary
}

// Encode serializes a payload. A binary encoding failure falls back to the
// structured format for this message only.
func (a *Adapter) Encode(ctx context.Context, typ string, value any) ([]byte, Format, error) {
	if a.FormatFor(ctx, typ) == FormatBinary {
		data, err := cbor.Marshal(value)
		if err == nil {
			return data, FormatBinary, nil
		}

		a.log.Debug().Err(err).Str("type", typ).Msg("binary encode failed, falling back")
	}

	data, err := json.Marshal(value)
	if err != nil {
		return nil, FormatRaw, fmt.Errorf("could not encode %s: %w", typ, err)
	}
	return data, FormatStructured, nil
}

func isRecord(value any) bool {
	switch value.(type) {
	case map[string]any, []any:
		return true
	default:
		return false
	}
}

// Decode tries the binary format, then the structured one. Anything else is
// returned unchanged as raw bytes. Payloads are always records, so a binary
// parse that yields a scalar is treated as a miss.
func Decode(data []byte) (any, Format) {
	var value any
	if err := decodeMode.Unmarshal(data, &value); err == nil && isRecord(value) {
		return value, FormatBinary
	}

	value = nil
	if err := json.Unmarshal(data, &value); err == nil && isRecord(value) {
		return value, FormatStructured
	}

	return data, FormatRaw
}

// Unmarshal decodes into a typed destination using the same fallback order
// as Decode.
func Unmarshal(data []byte, value any) (Format, error) {
	binaryErr := cbor.Unmarshal(data, value)
	if binaryErr == nil {
		return FormatBinary, nil
	}

	// Discard anything the failed binary attempt wrote
	if target := reflect.ValueOf(value); target.Kind() == reflect.Pointer && !target.IsNil() {
		target.Elem().Set(reflect.Zero(target.Elem().Type()))
	}

	structuredErr := json.Unmarshal(data, value)
	if structuredErr == nil {
		return FormatStructured, nil
	}

	return FormatRaw, fmt.Errorf(
		"could not decode payload (binary: %s, structured: %s)",
		binaryErr,
		structuredErr,
	)
}
