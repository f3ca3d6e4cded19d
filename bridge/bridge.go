package bridge

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	membridge "github.com/wippyai/wasm-membridge"
	"github.com/wippyai/wasm-membridge/errors"
	"github.com/wippyai/wasm-membridge/layout"
	"github.com/wippyai/wasm-membridge/view"
)

// Config tunes a Bridge. The zero value is usable; DefaultConfig fills in
// the documented defaults.
type Config struct {
	// Logger overrides the package logger for this bridge.
	Logger *zap.Logger `mapstructure:"-" yaml:"-"`

	// Registerer receives the bridge's collectors. Nil leaves them
	// unregistered.
	Registerer prometheus.Registerer `mapstructure:"-" yaml:"-"`

	// MetricsNamespace prefixes every metric name.
	MetricsNamespace string `mapstructure:"metrics_namespace" yaml:"metrics_namespace"`

	// ShadowPoolSize bounds how many freed shadow blocks are kept for reuse.
	ShadowPoolSize int `mapstructure:"shadow_pool_size" yaml:"shadow_pool_size"`

	// NaturalAlign is the alignment relocatable allocations get without
	// padding. Zero means 8, what the Go allocator guarantees for
	// word-sized and larger objects.
	NaturalAlign uint64 `mapstructure:"natural_align" yaml:"natural_align"`

	// StrictSentinel turns every sentinel address seen after a call into an
	// error, even in optional pointers.
	StrictSentinel bool `mapstructure:"strict_sentinel" yaml:"strict_sentinel"`
}

// DefaultConfig returns the configuration used by the CLI when no file or
// environment overrides it.
func DefaultConfig() Config {
	return Config{
		MetricsNamespace: "membridge",
		ShadowPoolSize:   16,
		NaturalAlign:     8,
	}
}

// Allocation is one block obtained from the target.
type Allocation struct {
	Addr  membridge.Address
	Size  uint64
	Align uint64
}

// Bridge connects Go code to one foreign module.
type Bridge struct {
	target   membridge.Target
	linear   membridge.Linear
	registry *view.Registry
	log      *zap.Logger
	metrics  *metrics

	// linearBuf covers the whole linear memory at the current generation.
	linearBuf *view.Buffer

	// fixed holds native fixed buffers sorted by address.
	fixed []*view.Buffer

	// allocs maps a fixed view's address to the block behind it.
	allocs map[membridge.Address]Allocation

	objects  map[*view.View]*Object
	slots    map[*layout.Struct][]slot
	contexts []*Context
	pool     []Allocation
	cfg      Config
	sentinel membridge.Address
}

// New creates a bridge over target.
func New(target membridge.Target, cfg Config) (*Bridge, error) {
	if target == nil {
		return nil, errors.InvalidInput(errors.PhaseLoad, "nil target")
	}
	switch target.AddressSize() {
	case 4, 8:
	default:
		return nil, errors.InvalidInput(errors.PhaseLoad, fmt.Sprintf("target address size %d", target.AddressSize()))
	}
	if cfg.NaturalAlign == 0 {
		cfg.NaturalAlign = 8
	}
	if cfg.ShadowPoolSize < 0 {
		cfg.ShadowPoolSize = 0
	}

	log := cfg.Logger
	if log == nil {
		log = Logger()
	}
	b := &Bridge{
		target:   target,
		registry: view.NewRegistry(),
		log:      log.With(zap.String("target", target.Name())),
		metrics:  newMetrics(cfg.MetricsNamespace, target.Name()),
		allocs:   make(map[membridge.Address]Allocation),
		objects:  make(map[*view.View]*Object),
		slots:    make(map[*layout.Struct][]slot),
		cfg:      cfg,
		sentinel: Sentinel(target.AddressSize()),
	}
	if lin, ok := target.(membridge.Linear); ok {
		b.linear = lin
	}
	if cfg.Registerer != nil {
		if err := cfg.Registerer.Register(b.metrics); err != nil {
			return nil, errors.Wrap(errors.PhaseLoad, errors.KindInvalidInput, err, "register bridge metrics")
		}
	}
	return b, nil
}

// Sentinel returns the all-0xAA address of the given width. Foreign runtimes
// fill unresolved pointer slots with it.
func Sentinel(addrSize uint64) membridge.Address {
	if addrSize == 4 {
		return 0xaaaaaaaa
	}
	return 0xaaaaaaaaaaaaaaaa
}

func (b *Bridge) Target() membridge.Target { return b.target }

func (b *Bridge) Registry() *view.Registry { return b.registry }

func (b *Bridge) Config() Config { return b.cfg }

// ObtainView returns the canonical view of buf[offset:offset+length].
func (b *Bridge) ObtainView(buf *view.Buffer, offset, length uint64) (*view.View, error) {
	return b.registry.Obtain(buf, offset, length)
}

// RegisterView adopts v or returns the existing canonical view of its range.
func (b *Bridge) RegisterView(v *view.View) *view.View {
	return b.registry.Register(v)
}

// Close ends any open contexts and returns pooled shadow blocks to the
// target. Memory allocated with AllocateFixed stays allocated.
func (b *Bridge) Close(ctx context.Context) {
	for len(b.contexts) > 0 {
		b.EndContext()
	}
	for _, a := range b.pool {
		b.target.Free(ctx, a.Addr, a.Size, a.Align)
	}
	b.pool = nil
	if b.cfg.Registerer != nil {
		b.cfg.Registerer.Unregister(b.metrics)
	}
}
