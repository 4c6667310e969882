// Package config holds the application's root configuration.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

var (
	instance *Config
	once     sync.Once
	mu       sync.RWMutex
)

// Config is the root configuration structure for the entire application.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger"`
	Browser  BrowserConfig  `mapstructure:"browser"`
	Capture  CaptureConfig  `mapstructure:"capture"`
	Portal   PortalConfig   `mapstructure:"portal"`
	Output   OutputConfig   `mapstructure:"output"`
	Drive    DriveConfig    `mapstructure:"drive"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// ColorConfig defines the color settings for different log levels.
// These are used for console output to make logs more readable.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" json:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" json:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" json:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" json:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" json:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" json:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" json:"fatal" yaml:"fatal"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" json:"level" yaml:"level"`
	Format      string      `mapstructure:"format" json:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" json:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" json:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" json:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" json:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" json:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" json:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" json:"colors" yaml:"colors"`
}

// BrowserConfig holds settings for the headless browser.
type BrowserConfig struct {
	Headless          bool           `mapstructure:"headless"`
	IgnoreTLSErrors   bool           `mapstructure:"ignore_tls_errors"`
	Args              []string       `mapstructure:"args"`
	Viewport          map[string]int `mapstructure:"viewport"`
	DownloadDir       string         `mapstructure:"download_dir"`
	NavigationTimeout time.Duration  `mapstructure:"navigation_timeout"`
	ActionTimeout     time.Duration  `mapstructure:"action_timeout"`
	AjaxTimeout       time.Duration  `mapstructure:"ajax_timeout"`
}

// CaptureConfig holds the per-strategy budgets of the export capture.
type CaptureConfig struct {
	DownloadTimeout     time.Duration `mapstructure:"download_timeout"`
	CallbackTimeout     time.Duration `mapstructure:"callback_timeout"`
	InterceptionTimeout time.Duration `mapstructure:"interception_timeout"`
	// Signatures are MIME types whose data-URI prefix marks an embedded export.
	Signatures []string `mapstructure:"signatures"`
	// CallbackScript is a fmt template receiving the JSON-quoted trigger id and form.
	CallbackScript string `mapstructure:"callback_script"`
}

// PortalConfig holds the URLs, credentials and selectors of the booking portal.
type PortalConfig struct {
	LoginURL    string          `mapstructure:"login_url"`
	BookingsURL string          `mapstructure:"bookings_url"`
	ServicesURL string          `mapstructure:"services_url"`
	Username    string          `mapstructure:"username"`
	Password    string          `mapstructure:"password"`
	Selectors   SelectorsConfig `mapstructure:"selectors"`
	Filters     FiltersConfig   `mapstructure:"filters"`
	Export      ExportConfig    `mapstructure:"export"`
}

// SelectorsConfig lists the DOM hooks the portal glue relies on.
type SelectorsConfig struct {
	UsernameInput    string `mapstructure:"username_input"`
	PasswordInput    string `mapstructure:"password_input"`
	SubmitText       string `mapstructure:"submit_text"`
	ConsentText      string `mapstructure:"consent_text"`
	FilterToggle     string `mapstructure:"filter_toggle"`
	FilterToggleAlt  string `mapstructure:"filter_toggle_alt"`
	FilterToggleText string `mapstructure:"filter_toggle_text"`
	FilterForm       string `mapstructure:"filter_form"`
	ClearDates       string `mapstructure:"clear_dates"`
	ClearDatesText   string `mapstructure:"clear_dates_text"`
	DepartureFrom    string `mapstructure:"departure_from"`
	DepartureTo      string `mapstructure:"departure_to"`
	SearchType       string `mapstructure:"search_type"`
	SearchButton     string `mapstructure:"search_button"`
	ApplyButton      string `mapstructure:"apply_button"`
	ApplyText        string `mapstructure:"apply_text"`
	ResultsTable     string `mapstructure:"results_table"`
	Pager            string `mapstructure:"pager"`
}

// FiltersConfig describes the bookings window and status selection.
type FiltersConfig struct {
	FromDays   int    `mapstructure:"from_days"`
	ToDays     int    `mapstructure:"to_days"`
	DateLayout string `mapstructure:"date_layout"`
	SearchType string `mapstructure:"search_type"`
	Status     string `mapstructure:"status"`
}

// ExportConfig identifies the export action on the list pages.
type ExportConfig struct {
	TriggerID string `mapstructure:"trigger_id"`
	Form      string `mapstructure:"form"`
	// Menu is a CSS selector for the dropdown that reveals the trigger.
	Menu string `mapstructure:"menu"`
	// Label is the visible text of the trigger, used when no id matches.
	Label string `mapstructure:"label"`
}

// OutputConfig controls where artifacts land.
type OutputConfig struct {
	Dir         string `mapstructure:"dir"`
	StampLayout string `mapstructure:"stamp_layout"`
	Screenshots bool   `mapstructure:"screenshots"`
}

// DriveConfig holds the Google Drive upload target.
type DriveConfig struct {
	ServiceAccountKey string `mapstructure:"service_account_key"`
	FolderID          string `mapstructure:"folder_id"`
}

// PostgresConfig holds settings for the database connection.
type PostgresConfig struct {
	URL string `mapstructure:"url"`
}

// ConfigError reports one invalid setting.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s %s", e.Field, e.Reason)
}

// SetDefaults registers the values the application runs with when nothing
// else is configured.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "exportcap")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 28)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.viewport", map[string]int{"width": 1920, "height": 1080})
	v.SetDefault("browser.navigation_timeout", 60*time.Second)
	v.SetDefault("browser.action_timeout", 15*time.Second)
	v.SetDefault("browser.ajax_timeout", 30*time.Second)

	v.SetDefault("capture.download_timeout", 30*time.Second)
	v.SetDefault("capture.callback_timeout", 30*time.Second)
	v.SetDefault("capture.interception_timeout", 60*time.Second)
	v.SetDefault("capture.signatures", []string{
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"application/vnd.ms-excel",
	})
	v.SetDefault("capture.callback_script", "PrimeFaces.ab({s:%[1]s,f:%[2]s,u:%[2]s})")

	v.SetDefault("portal.login_url", "https://mitika.travel/login.xhtml?microsite=itravel&keepurl=true&url=%2Fhome%3FtripId%3D64")
	v.SetDefault("portal.bookings_url", "https://mitika.travel/admin/bookings/List.xhtml")
	v.SetDefault("portal.services_url", "https://mitika.travel/admin/bookings/List.xhtml?view=services")
	v.SetDefault("portal.selectors.username_input", `#login-form\:login-content\:login\:Email`)
	v.SetDefault("portal.selectors.password_input", `#login-form\:login-content\:login\:j_password`)
	v.SetDefault("portal.selectors.submit_text", "Siguiente")
	v.SetDefault("portal.selectors.consent_text", "Aceptar todo")
	v.SetDefault("portal.selectors.filter_toggle", "#clickOtherFilters")
	v.SetDefault("portal.selectors.filter_toggle_alt", "a.dev-open-filters")
	v.SetDefault("portal.selectors.filter_toggle_text", "Filtros")
	v.SetDefault("portal.selectors.filter_form", "#search-form")
	v.SetDefault("portal.selectors.clear_dates", "button.dev-clear-dates")
	v.SetDefault("portal.selectors.clear_dates_text", "Eliminar fechas")
	v.SetDefault("portal.selectors.departure_from", "search-form:booking-filters:departureDateFrom")
	v.SetDefault("portal.selectors.departure_to", "search-form:booking-filters:departureDateTo")
	v.SetDefault("portal.selectors.search_type", "search-form:booking-filters:searchType")
	v.SetDefault("portal.selectors.search_button", "search-form:booking-filters:search")
	v.SetDefault("portal.selectors.apply_button", "button.applyFilters")
	v.SetDefault("portal.selectors.apply_text", "Aplicar")
	v.SetDefault("portal.selectors.results_table", "table tbody tr")
	v.SetDefault("portal.selectors.pager", ".ui-paginator-current")
	v.SetDefault("portal.filters.from_days", 10)
	v.SetDefault("portal.filters.to_days", 360)
	v.SetDefault("portal.filters.date_layout", "02/01/2006")
	v.SetDefault("portal.filters.search_type", "HOTELS")
	v.SetDefault("portal.filters.status", "RESERVED")
	v.SetDefault("portal.export.trigger_id", "[id$='exportExcel']")
	v.SetDefault("portal.export.form", "search-form")
	v.SetDefault("portal.export.menu", "[id$='exportButton']")
	v.SetDefault("portal.export.label", "Excel")

	v.SetDefault("output.dir", "output")
	v.SetDefault("output.stamp_layout", "2006_01_02_1504")
	v.SetDefault("output.screenshots", true)
}

// BindEnvironment wires EXPORTCAP_* variables onto their keys and binds the
// secrets under the names the deployment already uses.
func BindEnvironment(v *viper.Viper) {
	v.SetEnvPrefix("EXPORTCAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("portal.username", "MITIKA_USERNAME", "EXPORTCAP_PORTAL_USERNAME")
	_ = v.BindEnv("portal.password", "MITIKA_PASSWORD", "EXPORTCAP_PORTAL_PASSWORD")
	_ = v.BindEnv("drive.service_account_key", "GDRIVE_SERVICE_ACCOUNT_KEY", "EXPORTCAP_DRIVE_SERVICE_ACCOUNT_KEY")
	_ = v.BindEnv("drive.folder_id", "GDRIVE_FOLDER_ID", "EXPORTCAP_DRIVE_FOLDER_ID")
	_ = v.BindEnv("postgres.url", "EXPORTCAP_POSTGRES_URL", "DATABASE_URL")
}

// Validate checks the settings every command depends on.
func (c *Config) Validate() error {
	budgets := []struct {
		field string
		value time.Duration
	}{
		{"capture.download_timeout", c.Capture.DownloadTimeout},
		{"capture.callback_timeout", c.Capture.CallbackTimeout},
		{"capture.interception_timeout", c.Capture.InterceptionTimeout},
	}
	for _, b := range budgets {
		if b.value <= 0 {
			return &ConfigError{Field: b.field, Reason: "must be positive"}
		}
	}
	if !strings.Contains(c.Capture.CallbackScript, "%") {
		return &ConfigError{Field: "capture.callback_script", Reason: "must reference the trigger id and form"}
	}
	urls := []struct {
		field string
		value string
	}{
		{"portal.login_url", c.Portal.LoginURL},
		{"portal.bookings_url", c.Portal.BookingsURL},
		{"portal.services_url", c.Portal.ServicesURL},
	}
	for _, f := range urls {
		if f.value == "" {
			continue
		}
		if u, err := url.Parse(f.value); err != nil || u.Scheme == "" || u.Host == "" {
			return &ConfigError{Field: f.field, Reason: "must be an absolute URL"}
		}
	}
	if c.Portal.Filters.FromDays > c.Portal.Filters.ToDays {
		return &ConfigError{Field: "portal.filters.from_days", Reason: "must not exceed portal.filters.to_days"}
	}
	if c.Output.Dir == "" {
		return &ConfigError{Field: "output.dir", Reason: "is required"}
	}
	return nil
}

// RequireCredentials is checked by commands that log into the portal.
func (c *Config) RequireCredentials() error {
	if c.Portal.Username == "" {
		return &ConfigError{Field: "portal.username", Reason: "is required (MITIKA_USERNAME)"}
	}
	if c.Portal.Password == "" {
		return &ConfigError{Field: "portal.password", Reason: "is required (MITIKA_PASSWORD)"}
	}
	return nil
}

// Load initializes the configuration singleton from Viper.
func Load(v *viper.Viper) error {
	var loadErr error
	once.Do(func() {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			loadErr = fmt.Errorf("error unmarshaling config: %w", err)
			return
		}
		Set(&cfg)
	})
	return loadErr
}

// Set replaces the global configuration.
func Set(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	instance = cfg
}

// Get returns the loaded configuration instance.
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	if instance == nil {
		panic("Configuration not initialized. Call config.Load() in the root command.")
	}
	return instance
}
