package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"ai-speech-live-client/internal/app"
	"ai-speech-live-client/internal/config"
	"ai-speech-live-client/internal/events"
	"ai-speech-live-client/internal/protocol"
	"ai-speech-live-client/internal/service/params"
	"ai-speech-live-client/internal/service/stt"
	"ai-speech-live-client/internal/service/stt/mock"
	"ai-speech-live-client/internal/ui"
)

var (
	configFile string
	device     string
	provider   string
	serverURL  string
	dialect    string
	authToken  string
	httpAddr   string
	grace      time.Duration
	mockAddr   string
	since      time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "live-transcribe",
	Short:         "Stream microphone or file audio to a live transcription server",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Transcribe the microphone until interrupted",
	RunE:  runListen,
}

var streamCmd = &cobra.Command{
	Use:   "stream <file.wav>",
	Short: "Transcribe a WAV file in real time",
	Args:  cobra.ExactArgs(1),
	RunE:  runStream,
}

var paramsCmd = &cobra.Command{
	Use:   "params",
	Short: "Read or tune server-side transcription parameters",
}

var paramsGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the server's current parameters",
	RunE:  runParamsGet,
}

var paramsSetCmd = &cobra.Command{
	Use:   "set name=value...",
	Short: "Update one or more server parameters",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runParamsSet,
}

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print transcript events published to Kafka",
	RunE:  runTail,
}

var mockServerCmd = &cobra.Command{
	Use:   "mock-server",
	Short: "Run a local scripted transcription server",
	RunE:  runMockServer,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configFile, "config", "c", "", "YAML configuration file")
	pf.StringVar(&provider, "provider", "", "transcription provider (socket, google, mock)")
	pf.StringVar(&serverURL, "url", "", "transcription server URL")
	pf.StringVar(&dialect, "protocol", "", "socket protocol (legacy, segment-stream)")
	pf.StringVar(&authToken, "token", "", "credential for the transcription server")
	pf.StringVar(&httpAddr, "http", "", "address for the control and metrics endpoint")

	listenCmd.Flags().StringVarP(&device, "device", "d", "", "input device name, \"default\" or \"synthetic\"")
	streamCmd.Flags().DurationVar(&grace, "grace", 3*time.Second, "time to wait for trailing results after the file ends")
	mockServerCmd.Flags().StringVar(&mockAddr, "addr", "localhost:8765", "listen address")
	tailCmd.Flags().DurationVar(&since, "since", time.Hour, "replay events newer than this")

	paramsCmd.AddCommand(paramsGetCmd, paramsSetCmd)
	rootCmd.AddCommand(listenCmd, streamCmd, paramsCmd, tailCmd, mockServerCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the file (if any), the environment and then the flags.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if configFile != "" {
		var err error
		if cfg, err = config.LoadFile(configFile); err != nil {
			return nil, err
		}
	} else {
		cfg = config.Load()
	}

	if provider != "" {
		cfg.Transcription.Provider = provider
	}
	if serverURL != "" {
		cfg.Transcription.URL = serverURL
	}
	if dialect != "" {
		cfg.Transcription.Protocol = dialect
	}
	if authToken != "" {
		cfg.Transcription.AuthToken = authToken
	}
	if httpAddr != "" {
		cfg.Service.HTTPAddr = httpAddr
	}
	if device != "" {
		cfg.Audio.Device = device
	}
	return cfg, cfg.Validate()
}

func newConsole(cfg *config.Config) *ui.Console {
	ansi := cfg.Display.Color && isatty.IsTerminal(os.Stdout.Fd())
	return ui.NewConsole(os.Stdout, ansi)
}

func runListen(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	a.Build(app.NewDevice(cfg.Audio.Device))
	if err := a.Start(); err != nil {
		return err
	}
	defer shutdown(a)

	ctx := cmd.Context()
	console := newConsole(cfg)
	a.Handler.SetUpdateFunc(console.Draw)
	if _, err := a.Handler.Start(ctx); err != nil {
		return err
	}
	go console.Run(ctx, a.Handler, cfg.Display.RefreshInterval)

	<-ctx.Done()
	console.Draw(a.Handler.Snapshot())
	return nil
}

func runStream(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	a.Build(app.NewDevice(args[0]))
	if err := a.Start(); err != nil {
		return err
	}
	defer shutdown(a)

	ctx := cmd.Context()
	console := newConsole(cfg)
	a.Handler.SetUpdateFunc(console.Draw)
	if _, err := a.Handler.Start(ctx); err != nil {
		return err
	}
	go console.Run(ctx, a.Handler, cfg.Display.RefreshInterval)

	select {
	case <-a.Handler.Finished():
		log.Info().Str("file", args[0]).Msg("Audio file sent, waiting for trailing results")
	case <-ctx.Done():
	}
	if err := a.Handler.Stop(); err != nil {
		return err
	}

	select {
	case <-time.After(grace):
	case <-ctx.Done():
	}
	if err := a.Handler.Disconnect(); err != nil {
		return err
	}

	final := a.Handler.Snapshot()
	console.Draw(final)
	if final.Err != nil {
		return final.Err
	}
	return nil
}

func shutdown(a *app.Application) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.Shutdown(ctx)
}

// connectParameters opens a socket outside any capture session and waits
// until it accepts requests.
func connectParameters(ctx context.Context) (stt.ParameterChannel, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Transcription.Provider != config.ProviderSocket {
		return nil, nil, fmt.Errorf("provider %q has no parameter channel", cfg.Transcription.Provider)
	}
	a, err := app.New(cfg)
	if err != nil {
		return nil, nil, err
	}

	client := a.NewSocket()
	ready := make(chan struct{})
	var once sync.Once
	cb := stt.CallbackFuncs{
		StateChange: func(s stt.State) {
			if s == stt.StateConnected {
				once.Do(func() { close(ready) })
			}
		},
	}
	if err := client.Start(ctx, cb); err != nil {
		client.Close()
		return nil, nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, cfg.Transcription.OpenTimeout)
	defer cancel()
	select {
	case <-ready:
	case <-waitCtx.Done():
		client.Close()
		return nil, nil, errors.New("server did not become ready")
	}
	return client, func() { client.Close() }, nil
}

func runParamsGet(cmd *cobra.Command, _ []string) error {
	pc, closeFn, err := connectParameters(cmd.Context())
	if err != nil {
		return err
	}
	defer closeFn()

	values, err := pc.GetParameters(cmd.Context())
	if err != nil {
		return err
	}
	printParameters(values)
	return nil
}

func runParamsSet(cmd *cobra.Command, args []string) error {
	update, err := params.Parse(args)
	if err != nil {
		return err
	}
	pc, closeFn, err := connectParameters(cmd.Context())
	if err != nil {
		return err
	}
	defer closeFn()

	applied, err := pc.UpdateParameters(cmd.Context(), update)
	if err != nil {
		return err
	}
	if !applied {
		return errors.New("not connected, parameters were not sent")
	}
	printParameters(pc.Parameters())
	return nil
}

func printParameters(p params.Parameters) {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("%-28s %g\n", name, p[name])
	}
}

func runTail(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if len(cfg.Kafka.Brokers) == 0 {
		return errors.New("no Kafka brokers configured")
	}
	consumer := events.NewConsumer(events.ConsumerConfig{
		Brokers:      cfg.Kafka.Brokers,
		TopicPartial: cfg.Kafka.TopicPartial,
		TopicFinal:   cfg.Kafka.TopicFinal,
		Since:        since,
	})
	defer consumer.Close()

	var mu sync.Mutex
	err = consumer.Consume(cmd.Context(), func(ev events.Event) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Println(ui.EventLine(ev))
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runMockServer(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	mode, err := protocol.ParseMode(cfg.Transcription.Protocol)
	if err != nil {
		return err
	}
	srv := mock.NewServer(mock.ServerConfig{
		Mode:          mode,
		FramesPerStep: 5,
		RequireToken:  strings.TrimSpace(cfg.Transcription.AuthToken),
	})
	return srv.ListenAndServe(cmd.Context(), mockAddr)
}
