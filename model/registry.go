package model

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/accessvision/tilenet/errors"
)

// SupportedBackbones lists the closed backbone set in declaration order.
func SupportedBackbones() []string {
	return []string{"resnet18", "resnet34", "mobilenet_v2"}
}

// Options are the build knobs beyond the backbone contract itself.
type Options struct {
	NumClasses int
	InputSize  int
	Seed       int64
	WeightsDir string
	Logger     *slog.Logger
}

// Option mutates the default build options.
type Option func(*Options)

func WithNumClasses(n int) Option       { return func(o *Options) { o.NumClasses = n } }
func WithInputSize(size int) Option     { return func(o *Options) { o.InputSize = size } }
func WithSeed(seed int64) Option        { return func(o *Options) { o.Seed = seed } }
func WithWeightsDir(dir string) Option  { return func(o *Options) { o.WeightsDir = dir } }
func WithLogger(l *slog.Logger) Option  { return func(o *Options) { o.Logger = l } }

// Build constructs a classifier from a named backbone. The backbone set is
// closed: each supported name maps to an explicit constructor, resolved
// here with no dynamic registration. Pretrained initialization loads
// backbone weights from the configured weights directory; the
// classification head is always freshly initialized and always trainable.
// freezeLayers freezes that many leading parameter groups.
func Build(name string, pretrained bool, freezeLayers int, opts ...Option) (*Model, error) {
	o := Options{
		NumClasses: 5,
		InputSize:  64,
		Seed:       42,
	}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}

	init := newInitializer(o.Seed)

	var (
		m   *Model
		err error
	)
	switch name {
	case "resnet18":
		m, err = buildResNet("resnet18", [4]int{2, 2, 2, 2}, o.NumClasses, o.InputSize, init)
	case "resnet34":
		m, err = buildResNet("resnet34", [4]int{3, 4, 6, 3}, o.NumClasses, o.InputSize, init)
	case "mobilenet_v2":
		m, err = buildMobileNetV2(o.NumClasses, o.InputSize, o.Seed, init)
	default:
		return nil, errors.New(errors.KindUnknownBackbone).
			WithMessagef("unknown backbone %q", name).
			WithArtifact(name).
			WithHint(fmt.Sprintf("supported backbones: %s", strings.Join(SupportedBackbones(), ", ")))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build %s: %w", name, err)
	}

	if freezeLayers < 0 || freezeLayers > m.FreezableGroupCount() {
		return nil, errors.New(errors.KindInvalidFreezeDepth).
			WithMessagef("freeze depth %d out of range for %s", freezeLayers, name).
			WithArtifact(name).
			WithHint(fmt.Sprintf("%s has %d freezable parameter groups: %s",
				name, m.FreezableGroupCount(), strings.Join(m.GroupNames(), ", ")))
	}

	if pretrained {
		if err := loadPretrained(m, o.WeightsDir, logger); err != nil {
			return nil, err
		}
	}

	m.freezePrefix(freezeLayers)
	return m, nil
}
