package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Watcher monitors the .env file and applies the reloadable subset of
// settings to the live config. Secrets and store URLs require a restart.
type Watcher struct {
	mu       sync.Mutex
	config   *Config
	envPath  string
	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	stopOnce sync.Once
	onReload func(*Config)
}

// NewWatcher creates a watcher for the deployment .env file.
func NewWatcher(cfg *Config) (*Watcher, error) {
	dataDir := "/etc/breeze"
	if dir := strings.TrimSpace(os.Getenv("BREEZE_DATA_DIR")); dir != "" {
		dataDir = dir
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		config:   cfg,
		envPath:  filepath.Join(dataDir, ".env"),
		watcher:  fsWatcher,
		stopChan: make(chan struct{}),
	}, nil
}

// SetReloadCallback registers a hook invoked after each successful reload.
func (w *Watcher) SetReloadCallback(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = fn
}

// Start begins watching the config directory.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.envPath)
	if err := w.watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to watch config directory; live reload disabled")
		return nil
	}

	go w.watchForChanges()
	log.Info().Str("env_path", w.envPath).Msg("Started watching config file for changes")
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.watcher.Close()
	})
}

// Reload manually triggers a config reload (e.g. from SIGHUP).
func (w *Watcher) Reload() {
	w.reload()
}

func (w *Watcher) watchForChanges() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != ".env" && event.Name != w.envPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Debounce so the writer finishes before we read.
			time.Sleep(100 * time.Millisecond)
			log.Info().Str("event", event.Op.String()).Msg("Detected .env file change")
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) reload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	envMap, err := godotenv.Read(w.envPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error().Err(err).Msg("Failed to read .env file")
		}
		return
	}

	var changes []string

	if level := trimmed(envMap["LOG_LEVEL"]); level != "" && level != w.config.LogLevel {
		w.config.LogLevel = level
		changes = append(changes, "log level")
	}
	if secs, ok := parsePositiveInt(envMap["HEARTBEAT_INTERVAL_SECONDS"]); ok {
		if d := time.Duration(secs) * time.Second; d != w.config.HeartbeatInterval {
			w.config.HeartbeatInterval = d
			changes = append(changes, "heartbeat interval")
		}
	}
	if n, ok := parsePositiveInt(envMap["LOGIN_RATE_LIMIT"]); ok && n != w.config.LoginRateLimit {
		w.config.LoginRateLimit = n
		changes = append(changes, "login rate limit")
	}
	if n, ok := parsePositiveInt(envMap["HEARTBEAT_RATE_LIMIT"]); ok && n != w.config.HeartbeatRateLimit {
		w.config.HeartbeatRateLimit = n
		changes = append(changes, "heartbeat rate limit")
	}

	if len(changes) == 0 {
		log.Debug().Msg("No reloadable changes detected in .env file")
		return
	}

	log.Info().Strs("changes", changes).Msg("Applied .env file changes to runtime config")

	if w.onReload != nil {
		go w.onReload(w.config)
	}
}

func trimmed(v string) string {
	return strings.Trim(strings.TrimSpace(v), "'\"")
}

func parsePositiveInt(v string) (int, bool) {
	n, err := strconv.Atoi(trimmed(v))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
