package commands

import (
	"context"
	"fmt"
	"io"
	"sync"

	"secumsg/services/messages/pkg/eventbus"
	"secumsg/services/messages/pkg/msgcache"
	"secumsg/services/messages/pkg/msgclient"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func listenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Print incoming messages until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := online(ctx, cmd.ErrOrStderr()); err != nil {
				return err
			}
			return listen(ctx, cmd.OutOrStdout())
		},
	}
}

func listen(ctx context.Context, w io.Writer) error {
	p := newPrinter(w)
	updates := make(chan string, 64)
	disconnected := make(chan error, 1)

	subs := []*eventbus.Subscription{
		client.Events().Subscribe(eventbus.TopicMessagesUpdated, func(e eventbus.Event) {
			select {
			case updates <- e.ConversationKey:
			default:
			}
		}),
		client.Events().Subscribe(eventbus.TopicReadReceipt, func(e eventbus.Event) {
			if r, ok := e.Payload.(msgclient.ReadReceipt); ok {
				fmt.Fprintf(w, "-- %s read %s up to %s\n", r.UserID, r.ConversationKey, r.LastRead.Local().Format("15:04:05"))
			}
		}),
		client.Events().Subscribe(eventbus.TopicConnectionState, func(e eventbus.Event) {
			if st, ok := e.Payload.(msgclient.ConnectionState); ok && !st.Connected {
				select {
				case disconnected <- st.Err:
				default:
				}
			}
		}),
	}
	defer func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}()

	for _, s := range client.GetConversationList() {
		p.seen(client.GetMessages(s.Meta.ConversationKey))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case key := <-updates:
				p.print(client.GetMessages(key))
			}
		}
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case err := <-disconnected:
			return fmt.Errorf("connection lost: %w", err)
		}
	})
	return g.Wait()
}

// printer prints each message once.
type printer struct {
	mu    sync.Mutex
	w     io.Writer
	shown map[string]bool
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w, shown: make(map[string]bool)}
}

func (p *printer) seen(msgs []msgcache.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		p.shown[m.ID] = true
	}
}

func (p *printer) print(msgs []msgcache.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var fresh []msgcache.Message
	for _, m := range msgs {
		if !p.shown[m.ID] {
			p.shown[m.ID] = true
			fresh = append(fresh, m)
		}
	}
	printMessages(p.w, fresh)
}
