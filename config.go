package cabinet

import (
	"time"

	"github.com/Defacto2/cabinet/quantum"
	"go.uber.org/zap"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// ChecksumPolicy decides what happens to a data block whose checksum does not match.
// Blocks with a stored checksum of zero are never verified.
type ChecksumPolicy uint8

const (
	ChecksumVerify ChecksumPolicy = iota // fail the folder at the bad block
	ChecksumReport                       // log and record a warning, then decode the block
	ChecksumIgnore                       // never compute checksums
)

func (p ChecksumPolicy) String() string {
	switch p {
	case ChecksumVerify:
		return "verify"
	case ChecksumReport:
		return "report"
	case ChecksumIgnore:
		return "ignore"
	}
	return "unknown"
}

// Config holds the settings of an opened archive.
type Config struct {
	Checksum ChecksumPolicy
	Logger   *zap.Logger
	// NameEncoding decodes file and cabinet names that are not flagged as UTF-8.
	NameEncoding encoding.Encoding
	// Location is the time zone of the MS-DOS date and time stamps.
	Location *time.Location
	// LZX replaces the built in LZX decoder.
	LZX CodecFactory
	// Quantum supplies the entropy decoder of each Quantum folder pass.
	Quantum func() quantum.Entropy
	// Workers is the number of folders ExtractAll may decode at once.
	Workers int
}

// Option changes a Config.
type Option func(*Config)

func defaultConfig() Config {
	return Config{
		Checksum:     ChecksumVerify,
		Logger:       zap.NewNop(),
		NameEncoding: charmap.Windows1252,
		Location:     time.Local,
		Workers:      1,
	}
}

// WithChecksum sets the checksum policy, the default is ChecksumVerify.
func WithChecksum(p ChecksumPolicy) Option {
	return func(c *Config) { c.Checksum = p }
}

// WithLogger sets the logger, the default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

// WithNameEncoding sets the character set of names without the UTF-8 attribute,
// the default is Windows-1252.
func WithNameEncoding(e encoding.Encoding) Option {
	return func(c *Config) {
		if e != nil {
			c.NameEncoding = e
		}
	}
}

// WithLocation sets the time zone used for file modification times, the default is time.Local.
func WithLocation(loc *time.Location) Option {
	return func(c *Config) {
		if loc != nil {
			c.Location = loc
		}
	}
}

// WithLZX replaces the LZX decoder.
func WithLZX(f CodecFactory) Option {
	return func(c *Config) { c.LZX = f }
}

// WithQuantum enables Quantum folders using the entropy decoders made by f.
func WithQuantum(f func() quantum.Entropy) Option {
	return func(c *Config) { c.Quantum = f }
}

// WithWorkers lets ExtractAll and ExtractMatch decode up to n folders concurrently.
// The sink factory must then be safe for concurrent use.
func WithWorkers(n int) Option {
	return func(c *Config) { c.Workers = max(n, 1) }
}
