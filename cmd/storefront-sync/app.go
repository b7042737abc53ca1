package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"storefront/internal/conf"
	"storefront/internal/v2/chat"
	"storefront/internal/v2/hostbridge"
	"storefront/internal/v2/notify"
	"storefront/internal/v2/paymentwatch"
	"storefront/internal/v2/transport"
	"storefront/internal/v2/types"
	"storefront/pkg/api"
)

// app composes the two engines; neither engine knows about the other.
type app struct {
	cfg      *conf.Config
	out      io.Writer
	outMu    sync.Mutex
	bridge   *hostbridge.StaticBridge
	client   *transport.Client
	sender   *notify.DataSender
	registry paymentwatch.Registry
	closers  []func()
}

func newApp(configPath string, out io.Writer) (*app, error) {
	cfg, err := conf.Load(configPath)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, out: out}
	a.bridge = hostbridge.NewStaticBridge(cfg.API.InitData, out)
	a.client = transport.NewClient(cfg.API.BaseURL, a.bridge, transport.Options{
		PollWait:       cfg.Chat.PollWait,
		RequestTimeout: cfg.API.RequestTimeout,
	})

	sender, err := notify.NewDataSender(cfg.Nats)
	if err != nil {
		// the publisher is optional for a terminal session
		glog.Warningf("state publishing disabled: %v", err)
	} else {
		a.sender = sender
		a.closers = append(a.closers, sender.Close)
	}

	a.registry = paymentwatch.NewMemoryRegistry()
	if r := cfg.Redis; r != nil {
		redisRegistry, err := paymentwatch.NewRedisRegistry(r.Host, r.Port, r.Password, r.DB, cfg.InFlightTTL())
		if err != nil {
			a.Close()
			return nil, err
		}
		a.registry = redisRegistry
		a.closers = append(a.closers, func() { _ = redisRegistry.Close() })
	}
	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) printf(format string, args ...interface{}) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	fmt.Fprintf(a.out, format, args...)
}

func (a *app) listeners(local interface{}) *notify.Fanout {
	if a.sender == nil {
		return notify.NewFanout(local)
	}
	return notify.NewFanout(local, a.sender)
}

// RunChat follows orderID until ctx ends or in reaches EOF.
func (a *app) RunChat(ctx context.Context, orderID int64, author types.AuthorKind, in io.Reader) error {
	printer := newTranscriptPrinter(a.printf)
	syncer := chat.NewSynchronizer(a.client, chat.Options{
		Author:          author,
		BackoffBase:     a.cfg.Chat.BackoffBase,
		BackoffCap:      a.cfg.Chat.BackoffCap,
		MinPollInterval: a.cfg.Chat.MinPollInterval,
	}, a.listeners(printer))

	sess, err := syncer.Start(ctx, orderID)
	if err != nil {
		return errors.Wrapf(err, "open chat for order %d", orderID)
	}
	defer syncer.Stop()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sess.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if _, err := sess.Send(ctx, line); err != nil {
				switch {
				case errors.Is(err, api.ErrEmptyContent):
				case errors.Is(err, api.ErrSendFailed):
					a.printf("! not sent: %v\n", err)
				default:
					return err
				}
			}
		}
	}
}

// RunPay watches one payment to its end. With openChat the chat opens only after confirmation.
func (a *app) RunPay(ctx context.Context, orderID int64, rail types.Rail, openChat bool, in io.Reader) error {
	printer := &phasePrinter{printf: a.printf}
	watcher := paymentwatch.NewWatcher(a.client, a.bridge, a.bridge, paymentwatch.Options{
		StatusInterval: a.cfg.Payment.StatusInterval,
		Deadline:       a.cfg.Payment.Deadline,
		Registry:       a.registry,
	}, a.listeners(printer))

	sess, err := watcher.Pay(ctx, orderID, rail)
	if err != nil {
		return err
	}
	st, err := sess.Wait(ctx)
	if err != nil && !st.Phase.Terminal() {
		sess.Cancel()
		<-sess.Done()
		st = sess.State()
	}

	switch st.Phase {
	case paymentwatch.PhaseConfirmed:
		a.printf("order %d paid\n", orderID)
		if openChat {
			return a.RunChat(ctx, orderID, types.AuthorBuyer, in)
		}
		return nil
	case paymentwatch.PhaseCancelled:
		return nil
	default:
		a.printf("order %d is still pending, run pay again to retry\n", orderID)
		return st.Err
	}
}
