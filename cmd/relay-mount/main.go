package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Lens-Academy/lens-relay-server/internal/mountsync"
)

func main() {
	baseURL := flag.String("base-url", envOrDefault("RELAY_BASE_URL", "http://127.0.0.1:8080"), "relay server base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("RELAY_TOKEN")), "bearer token")
	relayID := flag.String("relay", strings.TrimSpace(os.Getenv("RELAY_ID")), "relay ID")
	remoteRoot := flag.String("remote-root", strings.TrimSpace(os.Getenv("RELAY_MOUNT_REMOTE_ROOT")), "display-path prefix to mirror (folder name, empty for all)")
	localDir := flag.String("local-dir", strings.TrimSpace(os.Getenv("RELAY_MOUNT_LOCAL_DIR")), "local mirror directory")
	stateFile := flag.String("state-file", strings.TrimSpace(os.Getenv("RELAY_MOUNT_STATE_FILE")), "state file path")
	origin := flag.String("origin", envOrDefault("RELAY_MOUNT_ORIGIN", "mount"), "origin tag stamped on writes")
	interval := flag.Duration("interval", durationEnv("RELAY_MOUNT_INTERVAL", 5*time.Second), "sync interval")
	intervalJitter := flag.Float64("interval-jitter", floatEnv("RELAY_MOUNT_INTERVAL_JITTER", 0.2), "sync interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv("RELAY_MOUNT_TIMEOUT", 15*time.Second), "per-sync timeout")
	once := flag.Bool("once", false, "run one sync cycle and exit")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		log.Fatalf("token is required (--token or RELAY_TOKEN)")
	}
	if strings.TrimSpace(*relayID) == "" {
		log.Fatalf("relay is required (--relay or RELAY_ID)")
	}
	if strings.TrimSpace(*localDir) == "" {
		log.Fatalf("local-dir is required (--local-dir or RELAY_MOUNT_LOCAL_DIR)")
	}
	if *interval <= 0 {
		*interval = 5 * time.Second
	}
	if *timeout <= 0 {
		*timeout = 15 * time.Second
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)

	client := mountsync.NewHTTPClient(*baseURL, *token, *origin, &http.Client{Timeout: *timeout})
	syncer, err := mountsync.NewSyncer(client, mountsync.SyncerOptions{
		RelayID:    strings.TrimSpace(*relayID),
		RemoteRoot: *remoteRoot,
		LocalRoot:  *localDir,
		StateFile:  *stateFile,
		Origin:     client.Origin(),
		Logger:     log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize mount syncer: %v", err)
	}
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run := func() {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		if err := syncer.SyncOnce(ctx); err != nil {
			log.Printf("mount sync cycle failed: %v", err)
			return
		}
		log.Printf("mount sync cycle completed")
	}

	run()
	if *once {
		return
	}

	// Local edits trigger an early sync instead of waiting out the full
	// interval; remote changes still arrive on the polling cadence.
	localChanged := watchLocalDir(rootCtx, *localDir)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			log.Printf("mount sync stopping: %v", rootCtx.Err())
			return
		case <-localChanged:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			run()
			timer.Reset(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
		}
	}
}

// watchLocalDir emits at most one pending notification for any burst of
// filesystem events under root. Watches are added for subdirectories as
// they appear; if the watcher cannot start, the mount degrades to
// interval-only polling.
func watchLocalDir(ctx context.Context, root string) <-chan struct{} {
	changed := make(chan struct{}, 1)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("filesystem watch unavailable, polling only: %v", err)
		return changed
	}
	addRecursive := func(dir string) {
		_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, walkErr error) error {
			if walkErr != nil || !d.IsDir() {
				return nil
			}
			if err := watcher.Add(path); err != nil {
				log.Printf("watch %s failed: %v", path, err)
			}
			return nil
		})
	}
	addRecursive(root)

	go func() {
		defer watcher.Close()
		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if strings.HasSuffix(event.Name, ".tmp") || strings.Contains(filepath.Base(event.Name), ".lens-mount-state") {
					continue
				}
				if event.Op.Has(fsnotify.Create) {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						addRecursive(event.Name)
					}
				}
				debounce.Reset(500 * time.Millisecond)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("filesystem watch error: %v", err)
			case <-debounce.C:
				select {
				case changed <- struct{}{}:
				default:
				}
			}
		}
	}()
	return changed
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
