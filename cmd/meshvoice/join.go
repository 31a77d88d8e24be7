package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/voicemesh/internal/adapters/channel"
	"github.com/dkeye/voicemesh/internal/adapters/rtc"
	"github.com/dkeye/voicemesh/internal/app/media"
	"github.com/dkeye/voicemesh/internal/app/mesh"
	"github.com/dkeye/voicemesh/internal/app/session"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type joinFlags struct {
	room  string
	user  string
	name  string
	label string
}

func newJoinCmd(a *cli) *cobra.Command {
	var f joinFlags
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a room and mesh with its members",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runJoin(cmd.Context(), a, f, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&f.room, "room", "", "room id")
	cmd.Flags().StringVar(&f.user, "user", "", "participant id (random when empty)")
	cmd.Flags().StringVar(&f.name, "name", "guest", "display name")
	cmd.Flags().StringVar(&f.label, "label", "", "room label")
	cmd.Flags().String("relay", "", "relay base url")
	_ = a.v.BindPFlag("relay_url", cmd.Flags().Lookup("relay"))
	_ = cmd.MarkFlagRequired("room")
	return cmd
}

// rosterHandler offers to the roster seen on arrival, then only reconciles.
type rosterHandler struct {
	*session.Controller
	ctx     context.Context
	arrived sync.Once
}

func (h *rosterHandler) HandleRoster(ctx context.Context, members []core.MemberDTO) []domain.ParticipantID {
	h.arrived.Do(func() {
		ids := make([]domain.ParticipantID, 0, len(members))
		for _, m := range members {
			ids = append(ids, m.ID)
		}
		if err := h.OfferAll(h.ctx, ids); err != nil {
			log.Error().Err(err).Str("module", "join").Msg("initial offers")
		}
	})
	return h.Controller.HandleRoster(ctx, members)
}

func runJoin(ctx context.Context, a *cli, f joinFlags, out io.Writer) error {
	self := domain.ParticipantID(f.user)
	if self == "" {
		u, err := domain.NewUser(f.name)
		if err != nil {
			return err
		}
		self = u.ID
	}
	rs := domain.RoomSession{
		Room: domain.Room{ID: domain.RoomID(f.room), Label: f.label},
		Self: self,
	}

	factory, err := rtc.NewFactory(rtc.Options{
		ICEServers:        a.cfg.ICEServers,
		CandidatePoolSize: a.cfg.ICECandidatePoolSize,
	})
	if err != nil {
		return fmt.Errorf("webrtc: %w", err)
	}
	reg := mesh.NewRegistry(factory.NewConnection, media.NewSource(media.StaticDevices{}))
	reg.OnStreamsChanged(func(streams map[domain.ParticipantID]media.PeerStreams) {
		log.Info().Str("module", "join").Int("peers_with_media", len(streams)).Msg("remote streams changed")
	})

	client, err := channel.Dial(ctx, channel.Options{
		URL:        a.cfg.RelayURL,
		Room:       rs.Room.ID,
		Self:       self,
		Name:       f.name,
		PingPeriod: a.cfg.PingPeriod,
		ReadLimit:  a.cfg.ReadLimit,
	})
	if err != nil {
		return err
	}

	ctrl := session.NewController(mesh.NewEngine(self, reg), client)
	ctrl.OnClose(func(domain.RoomSession) { client.Close() })
	if err := ctrl.Connect(ctx, rs); err != nil {
		client.Close()
		return err
	}
	defer ctrl.Disconnect()

	h := &rosterHandler{Controller: ctrl, ctx: ctx}
	limiter := channel.NewRateLimiter(a.cfg.OfferRateLimit, a.cfg.OfferRateWindow)

	var (
		mu   sync.Mutex
		last map[domain.ParticipantID]int64
	)
	err = superviseJoin(ctx, a.cfg.PingInterval,
		func(ctx context.Context) error {
			return client.Run(ctx, channel.NewDispatcher(self, h, limiter))
		},
		func(ctx context.Context) {
			pings := ctrl.GetPeersPing(ctx)
			mu.Lock()
			last = pings
			mu.Unlock()
			if avg, ok := session.AveragePing(pings); ok {
				log.Info().Str("module", "join").Int("peers", len(pings)).Int64("avg_ms", avg).Msg("ping")
			}
		})

	mu.Lock()
	renderPings(out, last)
	mu.Unlock()
	return err
}

var errRelayClosed = errors.New("relay closed the connection")

// superviseJoin runs the relay client next to a ping ticker until either the
// client stops or ctx ends. A clean close by the relay is not an error.
func superviseJoin(ctx context.Context, interval time.Duration, run func(context.Context) error, tick func(context.Context)) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := run(gctx)
		switch {
		case err == nil:
			return errRelayClosed
		case errors.Is(err, context.Canceled):
			return nil
		}
		return err
	})
	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				tick(gctx)
			}
		}
	})
	err := g.Wait()
	if errors.Is(err, errRelayClosed) {
		log.Info().Str("module", "join").Msg("relay closed the connection")
		return nil
	}
	return err
}

func renderPings(w io.Writer, pings map[domain.ParticipantID]int64) {
	if w == nil {
		w = os.Stdout
	}
	ids := make([]domain.ParticipantID, 0, len(pings))
	for id := range pings {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Peer", "Ping (ms)"})
	for _, id := range ids {
		t.AppendRow(table.Row{string(id), pings[id]})
	}
	if avg, ok := session.AveragePing(pings); ok {
		t.AppendFooter(table.Row{"average", avg})
	} else {
		t.AppendFooter(table.Row{"average", "n/a"})
	}
	t.Render()
}
