// Command botassist runs the WhatsApp chat-automation gateway headless.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/mdp/qrterminal/v3"

	"github.com/N1ghthill/botassist-whatsapp-sub000/internal/events"
	. "github.com/N1ghthill/botassist-whatsapp-sub000/internal/logging"
	"github.com/N1ghthill/botassist-whatsapp-sub000/internal/paths"
	"github.com/N1ghthill/botassist-whatsapp-sub000/internal/secrets"
	"github.com/N1ghthill/botassist-whatsapp-sub000/internal/session"
	"github.com/N1ghthill/botassist-whatsapp-sub000/internal/settings"
)

const version = "0.1.0"

type cli struct {
	Debug    bool   `help:"Enable debug logging."`
	Settings string `help:"Path to the settings file." type:"path"`

	Run     runCmd     `cmd:"" default:"1" help:"Start the gateway."`
	Link    linkCmd    `cmd:"" help:"Pair a new WhatsApp device via QR code."`
	Unlink  unlinkCmd  `cmd:"" help:"Remove the stored WhatsApp session."`
	Status  statusCmd  `cmd:"" help:"Show the device pairing status."`
	Version versionCmd `cmd:"" help:"Print the version."`
}

type runCmd struct{}
type linkCmd struct{}
type unlinkCmd struct{}
type statusCmd struct{}
type versionCmd struct{}

func main() {
	var c cli
	ctx := kong.Parse(&c,
		kong.Name("botassist"),
		kong.Description("WhatsApp chat-automation gateway."),
		kong.UsageOnError(),
	)

	level := LevelInfo
	if c.Debug {
		level = LevelDebug
	}
	Init(&Config{Level: level, ShowCaller: c.Debug})

	ctx.FatalIfErrorf(ctx.Run(&c))
}

func (r *runCmd) Run(c *cli) error {
	L_info("botassist %s starting", version)

	settingsPath, err := resolveSettingsPath(c)
	if err != nil {
		return err
	}
	if err := paths.EnsureParentDir(settingsPath); err != nil {
		return err
	}

	store := settings.NewStore(settingsPath)
	cfg := store.Load()
	L_info("settings loaded", "path", settingsPath, "provider", cfg.Provider, "profiles", len(cfg.Profiles))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher, err := settings.NewWatcher(store)
	if err != nil {
		return fmt.Errorf("failed to create settings watcher: %w", err)
	}
	if err := watcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to watch settings: %w", err)
	}
	defer watcher.Stop()

	secretsPath, err := paths.SecretsPath()
	if err != nil {
		return err
	}
	keys := secrets.NewFileStore(secretsPath)

	dbPath, err := paths.SessionDBPath()
	if err != nil {
		return err
	}
	if err := paths.EnsureParentDir(dbPath); err != nil {
		return err
	}

	transport, err := session.NewWhatsApp(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open whatsapp transport: %w", err)
	}

	emitter := events.NewEmitter(256)
	sess := session.New(transport, store, keys, emitter)

	go drainEvents(emitter)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		L_info("received signal, shutting down", "signal", sig)
		SetShuttingDown()
		cancel()
	}()

	if err := sess.Run(ctx); err != nil {
		return err
	}
	L_info("botassist stopped")
	return nil
}

// drainEvents renders gateway notifications for a terminal host: QR codes
// are drawn inline, everything else is already logged by the core.
func drainEvents(emitter *events.Emitter) {
	for ev := range emitter.Events() {
		switch ev.Kind {
		case events.KindQR:
			fmt.Println("Scan the QR code below with your WhatsApp app:")
			fmt.Println("  WhatsApp > Settings > Linked Devices > Link a Device")
			fmt.Println()
			qrterminal.GenerateHalfBlock(ev.Data, qrterminal.L, os.Stdout)
			fmt.Println()
		case events.KindStatus:
			L_debug("gateway status", "status", ev.Status)
		case events.KindError:
			L_error("gateway error: %s", ev.Message)
		}
	}
}

func (l *linkCmd) Run(c *cli) error {
	dbPath, err := paths.SessionDBPath()
	if err != nil {
		return err
	}
	if err := paths.EnsureParentDir(dbPath); err != nil {
		return err
	}
	return session.LinkDevice(dbPath)
}

func (u *unlinkCmd) Run(c *cli) error {
	dbPath, err := paths.SessionDBPath()
	if err != nil {
		return err
	}
	return session.UnlinkDevice(dbPath)
}

func (s *statusCmd) Run(c *cli) error {
	dbPath, err := paths.SessionDBPath()
	if err != nil {
		return err
	}
	return session.DeviceStatus(dbPath)
}

func (v *versionCmd) Run(c *cli) error {
	fmt.Printf("botassist %s\n", version)
	return nil
}

func resolveSettingsPath(c *cli) (string, error) {
	if c.Settings != "" {
		return paths.ExpandTilde(c.Settings)
	}
	return paths.SettingsPath()
}
