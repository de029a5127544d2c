// Package bridge exposes the desk on an MQTT command/event surface:
// retained state and availability topics outbound, a single command topic
// inbound. The bridge knows nothing about BLE; it only talks to the desk
// layer.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/chaz8081/deskbridge/internal/desk"
)

// Controller is the slice of the desk layer the bridge drives. Commands
// that move the desk block until the movement finishes, stalls or is
// preempted.
type Controller interface {
	Stop(ctx context.Context) error
	MoveTo(ctx context.Context, heightMM float64) error
	Open(ctx context.Context) error
	MoveDown(ctx context.Context) error
	Nudge(ctx context.Context, up bool) error
}

// Options configures the MQTT connection and topic layout.
type Options struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// Bridge connects one Controller to one MQTT broker.
type Bridge struct {
	ctrl Controller
	opts Options

	// ctx bounds dispatched commands to the bridge's lifetime; Close
	// cancels it so in-flight moves do not outlive shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	client mqtt.Client
}

// statePayload is the JSON document published on the state topic.
type statePayload struct {
	HeightMM float64 `json:"height_mm"`
	SpeedMMS float64 `json:"speed_mms"`
	Moving   bool    `json:"moving"`
}

// New creates a bridge; Start establishes the broker connection.
func New(ctrl Controller, opts Options) *Bridge {
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "deskbridge"
	}
	if opts.ClientID == "" {
		opts.ClientID = "deskbridge"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{ctrl: ctrl, opts: opts, ctx: ctx, cancel: cancel}
}

func (b *Bridge) topic(suffix string) string {
	return b.opts.TopicPrefix + "/" + suffix
}

// Start connects to the broker, subscribes to the command topic and marks
// the bridge online. paho handles reconnects; the subscription is restored
// through the on-connect hook.
func (b *Bridge) Start() error {
	opts := mqtt.NewClientOptions().
		AddBroker(b.opts.Broker).
		SetClientID(b.opts.ClientID).
		SetUsername(b.opts.Username).
		SetPassword(b.opts.Password).
		SetAutoReconnect(true).
		SetWill(b.topic("availability"), "offline", 1, true)

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		if token := c.Subscribe(b.topic("command"), 1, b.handleCommand); token.Wait() && token.Error() != nil {
			slog.Error("[mqtt] subscribe failed", "error", token.Error())
			return
		}
		c.Publish(b.topic("availability"), 1, true, "online")
		slog.Info("[mqtt] connected", "broker", b.opts.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.Warn("[mqtt] connection lost", "error", err)
	})

	b.client = mqtt.NewClient(opts)
	token := b.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: connect to %s: %w", b.opts.Broker, err)
	}
	return nil
}

// Close cancels in-flight commands, marks the bridge offline and
// disconnects.
func (b *Bridge) Close() {
	b.cancel()
	if b.client == nil {
		return
	}
	b.client.Publish(b.topic("availability"), 1, true, "offline").Wait()
	b.client.Disconnect(250)
}

// PublishState pushes a retained state document. Wired to the desk's
// state hook.
func (b *Bridge) PublishState(st desk.State) {
	if b.client == nil {
		return
	}
	payload, err := json.Marshal(statePayload{
		HeightMM: st.HeightMM,
		SpeedMMS: st.SpeedMMS,
		Moving:   st.Moving(),
	})
	if err != nil {
		return
	}
	b.client.Publish(b.topic("state"), 0, true, payload)
}

// PublishConnection reports the BLE link state. Wired to the desk's
// connection hook.
func (b *Bridge) PublishConnection(up bool) {
	if b.client == nil {
		return
	}
	payload := "disconnected"
	if up {
		payload = "connected"
	}
	b.client.Publish(b.topic("connection"), 1, true, payload)
}

func (b *Bridge) handleCommand(_ mqtt.Client, msg mqtt.Message) {
	cmd, err := parseCommand(string(msg.Payload()))
	if err != nil {
		slog.Warn("[mqtt] bad command", "payload", string(msg.Payload()), "error", err)
		return
	}
	// Movement commands block until done; run them off the paho router so
	// a long move cannot starve message delivery. Preemption of an
	// in-progress move is handled by the desk layer.
	go func() {
		if err := b.dispatch(cmd); err != nil {
			slog.Warn("[mqtt] command failed", "command", cmd.kind, "error", err)
		}
	}()
}

type commandKind string

const (
	cmdStop   commandKind = "stop"
	cmdMoveTo commandKind = "move_to"
	cmdOpen   commandKind = "open"
	cmdClose  commandKind = "close"
	cmdRaise  commandKind = "raise"
	cmdLower  commandKind = "lower"
)

type command struct {
	kind     commandKind
	heightMM float64
}

// parseCommand turns an inbound payload into a command. move_to takes the
// target height in millimetres as a second word.
func parseCommand(payload string) (command, error) {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(payload)))
	if len(fields) == 0 {
		return command{}, fmt.Errorf("mqtt: empty command")
	}
	kind := commandKind(fields[0])
	switch kind {
	case cmdStop, cmdOpen, cmdClose, cmdRaise, cmdLower:
		if len(fields) != 1 {
			return command{}, fmt.Errorf("mqtt: %s takes no argument", kind)
		}
		return command{kind: kind}, nil
	case cmdMoveTo:
		if len(fields) != 2 {
			return command{}, fmt.Errorf("mqtt: move_to needs a target height")
		}
		mm, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return command{}, fmt.Errorf("mqtt: bad target height %q: %w", fields[1], err)
		}
		return command{kind: cmdMoveTo, heightMM: mm}, nil
	default:
		return command{}, fmt.Errorf("mqtt: unknown command %q", fields[0])
	}
}

func (b *Bridge) dispatch(cmd command) error {
	ctx := b.ctx
	switch cmd.kind {
	case cmdStop:
		return b.ctrl.Stop(ctx)
	case cmdMoveTo:
		return b.ctrl.MoveTo(ctx, cmd.heightMM)
	case cmdOpen:
		return b.ctrl.Open(ctx)
	case cmdClose:
		return b.ctrl.MoveDown(ctx)
	case cmdRaise:
		return b.ctrl.Nudge(ctx, true)
	case cmdLower:
		return b.ctrl.Nudge(ctx, false)
	}
	return nil
}
