package hal

import (
	"sync"
	"time"
)

// Configuration keys as named in the vendor configuration file
const (
	ConfActPropExtn             = "NXP_ACT_PROP_EXTN"
	ConfNFCProfileExtn          = "NXP_NFC_PROFILE_EXTN"
	ConfCoreStandby             = "NXP_CORE_STANDBY"
	ConfCoreConf                = "NXP_CORE_CONF"
	ConfCoreConfExtn            = "NXP_CORE_CONF_EXTN"
	ConfCoreMFCKeySetting       = "NXP_CORE_MFCKEY_SETTING"
	ConfCoreRFField             = "NXP_CORE_RF_FIELD"
	ConfRFConfBlockPrefix       = "NXP_RF_CONF_BLK_"
	ConfExtTVDDCfg              = "NXP_EXT_TVDD_CFG"
	ConfExtTVDDCfg1             = "NXP_EXT_TVDD_CFG_1"
	ConfExtTVDDCfg2             = "NXP_EXT_TVDD_CFG_2"
	ConfExtTVDDCfg3             = "NXP_EXT_TVDD_CFG_3"
	ConfSysClkSrcSel            = "NXP_SYS_CLK_SRC_SEL"
	ConfSysClkFreqSel           = "NXP_SYS_CLK_FREQ_SEL"
	ConfSysClockTOCfg           = "NXP_SYS_CLOCK_TO_CFG"
	ConfSWPSwitchTimeout        = "NXP_SWP_SWITCH_TIMEOUT"
	ConfSWPFullPowerOn          = "NXP_SWP_FULL_PWR_ON"
	ConfChinaTianjinRFEnabled   = "NXP_CHINA_TIANJIN_RF_ENABLED"
	ConfAIDMatchingPlatform     = "AID_MATCHING_PLATFORM"
	ConfFWProtectionOverride    = "NXP_FW_PROTECION_OVERRIDE"
	ConfI2CFragmentationEnabled = "NXP_I2C_FRAGMENTATION_ENABLED"
	ConfDefaultISODEPRoute      = "DEFAULT_ISODEP_ROUTE"
	ConfDefaultNFCFRoute        = "DEFAULT_NFCF_ROUTE"
	ConfDefaultSysCodeRoute     = "DEFAULT_SYS_CODE_ROUTE"
	ConfDefaultSysCode          = "DEFAULT_SYS_CODE"
	ConfDefaultSysCodePwrState  = "DEFAULT_SYS_CODE_PWR_STATE"
	ConfAIDBlockRoute           = "NFA_AID_BLOCK_ROUTE"
)

// Config is the lookup-by-name configuration collaborator. A missing key
// always means "use the built-in default".
type Config interface {
	Number(name string) (uint64, bool)
	Bytes(name string) ([]byte, bool)
	String(name string) (string, bool)
}

// ModificationTracker is implemented by configurations that know whether
// they changed since the controller was last configured.
type ModificationTracker interface {
	Modified() bool
	MarkApplied()
}

// MapConfig is an in-memory Config
type MapConfig struct {
	mu       sync.RWMutex
	numbers  map[string]uint64
	blobs    map[string][]byte
	strings  map[string]string
	modified bool
}

func NewMapConfig() *MapConfig {
	return &MapConfig{
		numbers: make(map[string]uint64),
		blobs:   make(map[string][]byte),
		strings: make(map[string]string),
	}
}

func (c *MapConfig) SetNumber(name string, v uint64) *MapConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.numbers[name] = v
	c.modified = true
	return c
}

func (c *MapConfig) SetBytes(name string, v []byte) *MapConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blobs[name] = append([]byte(nil), v...)
	c.modified = true
	return c
}

func (c *MapConfig) SetString(name, v string) *MapConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strings[name] = v
	c.modified = true
	return c
}

func (c *MapConfig) Number(name string) (uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.numbers[name]
	return v, ok
}

func (c *MapConfig) Bytes(name string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.blobs[name]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

func (c *MapConfig) String(name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.strings[name]
	return v, ok
}

func (c *MapConfig) Modified() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.modified
}

func (c *MapConfig) MarkApplied() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.modified = false
}

func configNumber(cfg Config, name string, def uint64) uint64 {
	if cfg == nil {
		return def
	}
	if v, ok := cfg.Number(name); ok {
		return v
	}
	return def
}

func configBytes(cfg Config, name string) ([]byte, bool) {
	if cfg == nil {
		return nil, false
	}
	v, ok := cfg.Bytes(name)
	if !ok || len(v) == 0 {
		return nil, false
	}
	return v, true
}

func configModified(cfg Config) bool {
	if t, ok := cfg.(ModificationTracker); ok {
		return t.Modified()
	}
	return false
}

// Session defaults
const (
	defaultResponseTimeout = 2 * time.Second
	defaultRetryBackoff    = 10 * time.Millisecond
	defaultMaxSendRetries  = 5
)

type options struct {
	logCallback     LogCallback
	debug           bool
	chip            *ChipProfile
	downloader      FirmwareDownloader
	responseTimeout time.Duration
	retryBackoff    time.Duration
	maxSendRetries  int
	recoveryLayout  RecoveryLayout
	controlGranted  ControlGrantedCallback
	autoCommit      time.Duration
}

func defaultOptions() options {
	return options{
		chip:            &PN553,
		responseTimeout: defaultResponseTimeout,
		retryBackoff:    defaultRetryBackoff,
		maxSendRetries:  defaultMaxSendRetries,
		recoveryLayout:  RecoveryLayoutV1,
	}
}

// Option configures a Session
type Option func(*options)

func WithLogCallback(cb LogCallback) Option {
	return func(o *options) { o.logCallback = cb }
}

// WithDebug enables hex dumps of NCI traffic
func WithDebug(debug bool) Option {
	return func(o *options) { o.debug = debug }
}

// WithChip selects the controller family profile. The default is PN553.
func WithChip(chip *ChipProfile) Option {
	return func(o *options) { o.chip = chip }
}

func WithFirmwareDownloader(d FirmwareDownloader) Option {
	return func(o *options) { o.downloader = d }
}

func WithResponseTimeout(d time.Duration) Option {
	return func(o *options) { o.responseTimeout = d }
}

func WithRetryBackoff(d time.Duration) Option {
	return func(o *options) { o.retryBackoff = d }
}

func WithMaxSendRetries(n int) Option {
	return func(o *options) { o.maxSendRetries = n }
}

func WithRecoveryLayout(l RecoveryLayout) Option {
	return func(o *options) { o.recoveryLayout = l }
}

func WithControlGrantedCallback(cb ControlGrantedCallback) Option {
	return func(o *options) { o.controlGranted = cb }
}

// WithRoutingAutoCommit pushes the routing table after d without an explicit
// UpdateNow. Zero disables the timer.
func WithRoutingAutoCommit(d time.Duration) Option {
	return func(o *options) { o.autoCommit = d }
}
