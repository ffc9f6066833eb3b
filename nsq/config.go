package nsq

import (
	"crypto/tls"
	"os"
)

// Config is the negotiation payload sent to nsqd in the IDENTIFY command.
// The zero value is not usable; construct with NewConfig.
type Config struct {
	// ClientID identifies this consumer to nsqd. Defaults to the local
	// hostname.
	ClientID string `json:"client_id,omitempty"`

	// Hostname of the machine the consumer runs on. Defaults to the local
	// hostname.
	Hostname string `json:"hostname,omitempty"`

	// FeatureNegotiation asks nsqd to answer IDENTIFY with its capability
	// payload instead of a bare OK. Default: true.
	FeatureNegotiation bool `json:"feature_negotiation"`

	// HeartbeatInterval is the duration between daemon heartbeats in
	// milliseconds. -1 disables heartbeats; otherwise the value must be at
	// least 1000. Default: 30000.
	HeartbeatInterval int64 `json:"heartbeat_interval"`

	// OutputBufferSize is the size in bytes nsqd uses to buffer writes to
	// this connection. -1 disables buffering; otherwise the value must be
	// at least 64. Default: 16384.
	OutputBufferSize int64 `json:"output_buffer_size"`

	// OutputBufferTimeout is the interval in milliseconds after which nsqd
	// flushes buffered writes. -1 disables the timeout. Default: 250.
	OutputBufferTimeout int64 `json:"output_buffer_timeout"`

	// TLSV1 requests a TLS upgrade after negotiation.
	TLSV1 bool `json:"tls_v1"`

	// Snappy requests snappy stream compression after negotiation.
	// Mutually exclusive with Deflate.
	Snappy bool `json:"snappy"`

	// Deflate requests deflate stream compression after negotiation.
	Deflate bool `json:"deflate"`

	// DeflateLevel is the requested deflate compression level, 1 through 9.
	// Default: 6.
	DeflateLevel int `json:"deflate_level"`

	// SampleRate delivers only the given percentage of messages, 0 to 99.
	// 0 delivers everything.
	SampleRate int32 `json:"sample_rate"`

	// UserAgent identifies the client software to nsqd.
	UserAgent string `json:"user_agent"`

	// MessageTimeout is the per-message server-side processing timeout in
	// milliseconds. 0 uses the daemon default.
	MessageTimeout int64 `json:"msg_timeout,omitempty"`

	// TLSConfig is used for the TLS upgrade when TLSV1 is set. When nil,
	// server certificate verification is disabled.
	TLSConfig *tls.Config `json:"-"`
}

// NewConfig returns a new Config with protocol defaults.
func NewConfig() *Config {
	hostname, _ := os.Hostname()

	return &Config{
		ClientID:            hostname,
		Hostname:            hostname,
		FeatureNegotiation:  true,
		HeartbeatInterval:   30000,
		OutputBufferSize:    16384,
		OutputBufferTimeout: 250,
		DeflateLevel:        6,
		UserAgent:           "nsq-client-go/" + ClientVersion,
	}
}

// SetClientID sets client id on the receiver.
func (config *Config) SetClientID(clientID string) *Config {
	config.ClientID = clientID
	return config
}

// SetHostname sets hostname on the receiver.
func (config *Config) SetHostname(hostname string) *Config {
	config.Hostname = hostname
	return config
}

// SetHeartbeatInterval sets the heartbeat interval in milliseconds.
func (config *Config) SetHeartbeatInterval(interval int64) *Config {
	config.HeartbeatInterval = interval
	return config
}

// SetUserAgent sets user agent on the receiver.
func (config *Config) SetUserAgent(userAgent string) *Config {
	config.UserAgent = userAgent
	return config
}

// SetTLS enables the TLS upgrade with the provided configuration. A nil
// tlsConfig disables server certificate verification.
func (config *Config) SetTLS(tlsConfig *tls.Config) *Config {
	config.TLSV1 = true
	config.TLSConfig = tlsConfig
	return config
}

// SetSnappy enables snappy stream compression.
func (config *Config) SetSnappy() *Config {
	config.Snappy = true
	return config
}

// SetDeflate enables deflate stream compression at the given level.
func (config *Config) SetDeflate(level int) *Config {
	config.Deflate = true
	config.DeflateLevel = level
	return config
}

// Validate checks the range constraints nsqd enforces on the negotiation
// payload.
func (config *Config) Validate() error {
	if config.HeartbeatInterval != -1 && config.HeartbeatInterval < 1000 {
		return NewError(InvalidConfigError, "heartbeat_interval must be -1 or >= 1000")
	}
	if config.OutputBufferSize != -1 && config.OutputBufferSize < 64 {
		return NewError(InvalidConfigError, "output_buffer_size must be -1 or >= 64")
	}
	if config.Deflate && (config.DeflateLevel < 1 || config.DeflateLevel > 9) {
		return NewError(InvalidConfigError, "deflate_level must be between 1 and 9")
	}
	if config.Snappy && config.Deflate {
		return NewError(InvalidConfigError, "snappy and deflate are mutually exclusive")
	}
	if config.SampleRate < 0 || config.SampleRate > 99 {
		return NewError(InvalidConfigError, "sample_rate must be between 0 and 99")
	}

	return nil
}

// NsqdConfig is the capability payload nsqd returns from feature
// negotiation. It is immutable once received and drives the TLS, auth, and
// compression branches of the handshake.
type NsqdConfig struct {
	MaxRdyCount         int64  `json:"max_rdy_count"`
	Version             string `json:"version"`
	MaxMsgTimeout       int64  `json:"max_msg_timeout"`
	MsgTimeout          int64  `json:"msg_timeout"`
	TLSV1               bool   `json:"tls_v1"`
	Deflate             bool   `json:"deflate"`
	DeflateLevel        int    `json:"deflate_level"`
	MaxDeflateLevel     int    `json:"max_deflate_level"`
	Snappy              bool   `json:"snappy"`
	SampleRate          int32  `json:"sample_rate"`
	AuthRequired        bool   `json:"auth_required"`
	OutputBufferSize    int64  `json:"output_buffer_size"`
	OutputBufferTimeout int64  `json:"output_buffer_timeout"`
}

// defaultNsqdConfig is assumed when feature negotiation is disabled and the
// daemon answers IDENTIFY with a bare OK.
func defaultNsqdConfig() *NsqdConfig {
	return &NsqdConfig{
		MaxRdyCount: 2500,
	}
}
