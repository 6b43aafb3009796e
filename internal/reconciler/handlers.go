package reconciler

import (
	"context"
	"errors"
	"slices"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/powerbot/internal/models"
	natsclient "github.com/devghori1264/aerophoenix/powerbot/internal/nats"
	"github.com/devghori1264/aerophoenix/powerbot/internal/render"
)

// HandleMention publishes the layout named in text (or the default one) to
// that layout's channel, or to channel when the layout has none configured.
func (r *Reconciler) HandleMention(ctx context.Context, text, channel string) error {
	layout, ok := r.layouts.Match(text)
	if !ok {
		return nil
	}
	dest := layout.Channel
	if dest == "" {
		dest = channel
	}
	return r.Reconcile(ctx, ModePublish, Target{Layout: layout.Name, Channel: dest})
}

// Click is a button press on one of the bot's messages. The caller has
// already acknowledged it.
type Click struct {
	ActionID string
	BlockID  string
	// Value is the encoded render.Action of the button.
	Value string
	// Label is the button text the transport reported for the press.
	Label       string
	ChannelID   string
	MessageTS   string
	ResponseURL string
	// Blocks is the message as the user saw it.
	Blocks []slack.Block
}

// HandleClick shows a working indicator on the pressed button, flips the
// instance for power buttons, then reconciles the message. After a power
// change every other registered message is refreshed in the background.
// Unknown actions are ignored.
func (r *Reconciler) HandleClick(ctx context.Context, c Click) error {
	if c.ActionID != render.ActionToggle && c.ActionID != render.ActionRefresh {
		return nil
	}
	action, err := render.DecodeAction(c.Value)
	if err != nil {
		r.logger.Debug("ignoring click", zap.String("action", c.ActionID), zap.Error(err))
		return nil
	}
	layout, err := r.layouts.Lookup(action.Layout)
	if err != nil {
		r.logger.Debug("ignoring click", zap.String("layout", action.Layout), zap.Error(err))
		return nil
	}
	toggle := c.ActionID == render.ActionToggle
	if toggle && !slices.Contains(r.instances, action.InstanceID) {
		r.logger.Warn("ignoring click for untracked instance", zap.String("instance", action.InstanceID))
		return nil
	}

	working, label := render.MarkWorking(c.Blocks, c.BlockID, render.WorkingLabel)
	if label == "" {
		label = c.Label
	}
	if err := r.messenger.Respond(ctx, c.ResponseURL, render.Message{Blocks: working, Text: render.FallbackText}); err != nil {
		r.logger.Warn("show working indicator", zap.Error(err))
	}

	var powerErr error
	if toggle {
		powerErr = r.flip(ctx, action.InstanceID, label)
	}

	target := Target{Layout: layout.Name, Channel: c.ChannelID, Timestamp: c.MessageTS}
	err = r.Reconcile(ctx, ModeUpdate, target)

	if toggle && powerErr == nil {
		if rerr := r.RefreshAll(ctx, target.Key()); rerr != nil {
			r.logger.Error("refresh other messages", zap.Error(rerr))
		}
	}
	return errors.Join(powerErr, err)
}

// flip starts the instance when the pressed button read "Turn On" and stops
// it otherwise.
func (r *Reconciler) flip(ctx context.Context, instance, label string) error {
	if label == render.TurnOnLabel {
		err := r.fleet.Start(ctx, r.region, instance)
		r.metrics.ObservePowerAction("start", err)
		if err == nil {
			r.emit(ctx, natsclient.EventPowerStart, "", instance)
		}
		return err
	}
	err := r.fleet.Stop(ctx, r.region, instance)
	r.metrics.ObservePowerAction("stop", err)
	if err == nil {
		r.emit(ctx, natsclient.EventPowerStop, "", instance)
	}
	return err
}

// Shutdown stops every tracked instance that is pending or running. When at
// least one stop went through, every registered message is refreshed. It
// returns how many instances were stopped.
func (r *Reconciler) Shutdown(ctx context.Context) (int, error) {
	statuses, err := r.Statuses(ctx)
	if err != nil {
		return 0, err
	}
	var (
		stopped int
		errs    []error
	)
	for _, id := range r.instances {
		code := statuses.Lookup(id)
		if code != models.CodePending && code != models.CodeRunning {
			continue
		}
		err := r.fleet.Stop(ctx, r.region, id)
		r.metrics.ObservePowerAction("stop", err)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		stopped++
		r.logger.Info("nightly shutdown stopped instance", zap.String("instance", id), zap.Stringer("was", code))
		r.emit(ctx, natsclient.EventPowerStop, "", id)
	}
	if stopped > 0 {
		if err := r.RefreshAll(ctx, ""); err != nil {
			errs = append(errs, err)
		}
	}
	r.emit(ctx, natsclient.EventShutdown, "", "")
	return stopped, errors.Join(errs...)
}
