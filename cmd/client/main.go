package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/fathima-sithara/notify-service/internal/client"
	"github.com/fathima-sithara/notify-service/internal/config"
	"github.com/fathima-sithara/notify-service/internal/httpclient"
	"github.com/fathima-sithara/notify-service/internal/utils"
)

// notify-client follows one user's notifications and prints every live
// alert with the running unread count.
func main() {
	fs := pflag.NewFlagSet("notify-client", pflag.ExitOnError)
	cfgPath := fs.StringP("config", "c", "", "optional config file")
	fs.String("base-url", "", "service base URL")
	fs.String("token", "", "bearer token")
	topic := fs.Bool("topic", false, "also subscribe to the broadcast topic of the user type")
	level := fs.String("log-level", "warn", "log level")
	_ = fs.Parse(os.Args[1:])

	v, err := config.New(*cfgPath)
	if err != nil {
		fail(err)
	}
	_ = v.BindPFlag("client.base_url", fs.Lookup("base-url"))
	_ = v.BindPFlag("client.token", fs.Lookup("token"))
	settings, err := config.ClientFromViper(v)
	if err != nil {
		fail(err)
	}
	if settings.Token == "" {
		fail(fmt.Errorf("a token is required (--token or NOTIFY_CLIENT_TOKEN)"))
	}

	logger, err := utils.NewLogger("production", *level)
	if err != nil {
		fail(err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	identity, err := client.IdentityFromToken(settings.Token, nil)
	if err != nil {
		fail(err)
	}
	wsURL, err := client.WebSocketURL(settings.BaseURL)
	if err != nil {
		fail(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hc := httpclient.NewClient(httpclient.ClientConfig{Timeout: settings.RequestTimeout})
	cache := client.NewCache(client.NewAPI(settings.BaseURL, settings.Token, identity, hc), sugar.Named("cache"))
	sock := client.NewSocket(client.SocketConfig{
		URL:            wsURL,
		Token:          settings.Token,
		ReconnectDelay: settings.ReconnectDelay,
		Heartbeat:      settings.Heartbeat,
		SubscribeTopic: *topic,
	}, identity, sugar.Named("socket"))

	go cache.Run(ctx, sock.Events())
	go func() {
		if err := sock.Run(ctx); err != nil {
			sugar.Errorw("socket stopped", "err", err)
			stop()
		}
	}()

	fmt.Printf("following notifications for %s\n", identity)
	last := -1
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-cache.Alerts():
			fmt.Printf("[%s] %s: %s\n", a.Notification.CreatedAt.Format("15:04:05"), a.Title, a.Message)
		case s := <-cache.Changes():
			if s.UnreadCount != last {
				last = s.UnreadCount
				fmt.Printf("unread: %d\n", last)
			}
		}
	}
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "notify-client:", err)
	os.Exit(1)
}
