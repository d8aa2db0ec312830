package simulator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/banshee-data/sim-capture/internal/geom"
	"github.com/banshee-data/sim-capture/internal/monitoring"
)

// ProtocolVersion is sent in the handshake.
const ProtocolVersion = "v1.26"

// Options configures Dial.
type Options struct {
	Host           string
	Port           int
	Home           string
	Launch         bool
	ConnectTimeout time.Duration
	// RetryInterval is the pause between connection attempts.
	RetryInterval time.Duration
	// RequestTimeout bounds a single request when ctx has no deadline.
	RequestTimeout time.Duration

	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)
	Launcher    Launcher
}

func (o Options) withDefaults() Options {
	if o.Host == "" {
		o.Host = "localhost"
	}
	if o.Port == 0 {
		o.Port = 25252
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 30 * time.Second
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 500 * time.Millisecond
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 2 * time.Minute
	}
	if o.DialContext == nil {
		var d net.Dialer
		o.DialContext = d.DialContext
	}
	if o.Launcher == nil {
		o.Launcher = ExecLauncher{}
	}
	return o
}

// RemoteError is an error reported by the simulator for one request.
type RemoteError struct {
	Type    string
	Message string
	// Value is set for argument errors (bad preset name, unknown vehicle).
	Value bool
}

func (e *RemoteError) Error() string {
	if e.Value {
		return fmt.Sprintf("simulator rejected %s: %s", e.Type, e.Message)
	}
	return fmt.Sprintf("simulator error in %s: %s", e.Type, e.Message)
}

// ErrInvalidHeadlights is returned for intensities outside 0..2.
var ErrInvalidHeadlights = errors.New("headlight intensity must be 0, 1 or 2")

// Client is a Simulator backed by a TCP connection carrying length-prefixed
// msgpack messages. One request is in flight at a time.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	nextID  uint64
	timeout time.Duration
	proc    Process
	closed  bool
	broken  bool
}

var _ Simulator = (*Client)(nil)

// NewClient wraps an established connection. No handshake is performed.
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn, timeout: 2 * time.Minute}
}

// Dial connects to the simulator, launching it first when opts.Launch is set,
// and retries until opts.ConnectTimeout elapses.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	opts = opts.withDefaults()

	var proc Process
	if opts.Launch {
		if opts.Home == "" {
			return nil, errors.New("simulator home is required to launch the simulator")
		}
		p, err := opts.Launcher.Launch(ctx, opts.Home, opts.Port)
		if err != nil {
			return nil, fmt.Errorf("launch simulator: %w", err)
		}
		proc = p
		monitoring.Logf("launched simulator from %s", opts.Home)
	}

	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	dctx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	var conn net.Conn
	for {
		var err error
		conn, err = opts.DialContext(dctx, "tcp", addr)
		if err == nil {
			break
		}
		select {
		case <-dctx.Done():
			if proc != nil {
				_ = proc.Stop()
			}
			return nil, fmt.Errorf("connect to simulator at %s: %w", addr, err)
		case <-time.After(opts.RetryInterval):
		}
	}

	c := NewClient(conn)
	c.proc = proc
	c.timeout = opts.RequestTimeout
	if err := c.call(ctx, "Hello", map[string]any{"protocolVersion": ProtocolVersion}, nil); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("simulator handshake: %w", err)
	}
	monitoring.Logf("connected to simulator at %s", addr)
	return c, nil
}

type replyHeader struct {
	ID         uint64 `msgpack:"_id"`
	Error      string `msgpack:"bngError"`
	ValueError string `msgpack:"bngValueError"`
}

func isReset(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE)
}

// call sends one request and decodes the reply into reply when non-nil.
func (c *Client) call(ctx context.Context, typ string, args map[string]any, reply any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.broken {
		return fmt.Errorf("%s: %w", typ, ErrConnectionReset)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.nextID++
	id := c.nextID
	req := make(map[string]any, len(args)+2)
	for k, v := range args {
		req[k] = v
	}
	req["type"] = typ
	req["_id"] = id

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.timeout)
	}
	_ = c.conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := writeFrame(c.conn, req); err != nil {
		return c.wireErr(ctx, typ, err)
	}
	payload, err := readFrame(c.conn)
	if err != nil {
		return c.wireErr(ctx, typ, err)
	}

	var hdr replyHeader
	if err := msgpack.Unmarshal(payload, &hdr); err != nil {
		return fmt.Errorf("%s: decode reply: %w", typ, err)
	}
	if hdr.ID != 0 && hdr.ID != id {
		return fmt.Errorf("%s: reply id %d does not match request %d", typ, hdr.ID, id)
	}
	if hdr.Error != "" {
		return &RemoteError{Type: typ, Message: hdr.Error}
	}
	if hdr.ValueError != "" {
		return &RemoteError{Type: typ, Message: hdr.ValueError, Value: true}
	}
	if reply != nil {
		if err := msgpack.Unmarshal(payload, reply); err != nil {
			return fmt.Errorf("%s: decode reply: %w", typ, err)
		}
	}
	return nil
}

func (c *Client) wireErr(ctx context.Context, typ string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		c.broken = true
		return fmt.Errorf("%s: %w", typ, ctxErr)
	}
	if isReset(err) {
		c.broken = true
		return fmt.Errorf("%s: %w: %v", typ, ErrConnectionReset, err)
	}
	return fmt.Errorf("%s: %w", typ, err)
}

// Close ends the session. A simulator launched by Dial is asked to quit and then stopped.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.proc != nil && !c.broken {
		_ = c.conn.SetDeadline(time.Now().Add(2 * time.Second))
		_ = writeFrame(c.conn, map[string]any{"type": "Quit", "_id": c.nextID + 1})
	}
	err := c.conn.Close()
	proc := c.proc
	c.mu.Unlock()

	if proc != nil {
		if perr := proc.Stop(); perr != nil {
			monitoring.Warnf("stopping simulator process: %v", perr)
		}
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (c *Client) SetDeterministic(ctx context.Context, stepsPerSecond int) error {
	return c.call(ctx, "SetDeterministic", map[string]any{"stepsPerSecond": stepsPerSecond}, nil)
}

func (c *Client) Pause(ctx context.Context) error {
	return c.call(ctx, "Pause", nil, nil)
}

func (c *Client) Resume(ctx context.Context) error {
	return c.call(ctx, "Resume", nil, nil)
}

func (c *Client) Step(ctx context.Context, ticks int) error {
	if ticks <= 0 {
		return nil
	}
	return c.call(ctx, "Step", map[string]any{"count": ticks, "ack": true}, nil)
}

func (c *Client) CreateScenario(ctx context.Context, spec ScenarioSpec) error {
	return c.call(ctx, "CreateScenario", map[string]any{
		"level":    spec.Map,
		"name":     spec.Name,
		"vehicles": []VehicleSpec{spec.Vehicle},
	}, nil)
}

func (c *Client) LoadScenario(ctx context.Context, name string) error {
	return c.call(ctx, "LoadScenario", map[string]any{"name": name}, nil)
}

func (c *Client) StartScenario(ctx context.Context) error {
	return c.call(ctx, "StartScenario", nil, nil)
}

func (c *Client) SpawnTraffic(ctx context.Context, max int) error {
	return c.call(ctx, "SpawnTraffic", map[string]any{"max_amount": max}, nil)
}

func (c *Client) SetWeatherPreset(ctx context.Context, name string, transitionS float64) error {
	return c.call(ctx, "SetWeatherPreset", map[string]any{"preset": name, "time": transitionS}, nil)
}

func (c *Client) TimeOfDay(ctx context.Context) (TimeOfDay, error) {
	var tod TimeOfDay
	err := c.call(ctx, "GetTimeOfDay", nil, &tod)
	return tod, err
}

func (c *Client) SetTimeOfDay(ctx context.Context, u TimeOfDayUpdate) error {
	args := map[string]any{}
	if u.Time != nil {
		args["time"] = *u.Time
	}
	if u.Play != nil {
		args["play"] = *u.Play
	}
	if u.DayScale != nil {
		args["dayScale"] = *u.DayScale
	}
	if u.NightScale != nil {
		args["nightScale"] = *u.NightScale
	}
	if u.DayLengthS != nil {
		args["dayLength"] = *u.DayLengthS
	}
	return c.call(ctx, "TimeOfDayChange", args, nil)
}

func (c *Client) FindWaypoints(ctx context.Context, scenario string) ([]Waypoint, error) {
	var reply struct {
		Waypoints []Waypoint `msgpack:"waypoints"`
	}
	err := c.call(ctx, "GetWaypoints", map[string]any{"scenario": scenario}, &reply)
	return reply.Waypoints, err
}

func (c *Client) DisplayMessage(ctx context.Context, msg string) error {
	return c.call(ctx, "DisplayGuiMessage", map[string]any{"message": msg}, nil)
}

func (c *Client) Vehicle(id string) Vehicle {
	return &clientVehicle{c: c, id: id}
}

func (c *Client) AttachCamera(ctx context.Context, vehicleID string, spec CameraSpec) (Camera, error) {
	if err := c.call(ctx, "OpenCamera", map[string]any{"vid": vehicleID, "camera": spec}, nil); err != nil {
		return nil, err
	}
	return &clientCamera{c: c, spec: spec}, nil
}

func (c *Client) AttachIMU(ctx context.Context, vehicleID, name string) (IMU, error) {
	if err := c.call(ctx, "OpenAdvancedIMU", map[string]any{"vid": vehicleID, "name": name}, nil); err != nil {
		return nil, err
	}
	return &clientIMU{c: c, name: name}, nil
}

type clientVehicle struct {
	c  *Client
	id string
}

func (v *clientVehicle) ID() string { return v.id }

func (v *clientVehicle) PollState(ctx context.Context) (VehicleState, error) {
	var reply struct {
		State VehicleState `msgpack:"state"`
	}
	err := v.c.call(ctx, "PollVehicleState", map[string]any{"vid": v.id}, &reply)
	return reply.State, err
}

func (v *clientVehicle) SetHeadlights(ctx context.Context, intensity int) error {
	if intensity < HeadlightsOff || intensity > HeadlightsHigh {
		return fmt.Errorf("%w, got %d", ErrInvalidHeadlights, intensity)
	}
	return v.c.call(ctx, "SetLights", map[string]any{"vid": v.id, "headLights": intensity}, nil)
}

func (v *clientVehicle) SetColor(ctx context.Context, color geom.RGBA) error {
	return v.c.call(ctx, "SetColor", map[string]any{
		"vid": v.id, "r": color[0], "g": color[1], "b": color[2], "a": color[3],
	}, nil)
}

func (v *clientVehicle) Teleport(ctx context.Context, pos geom.Vec3, rot geom.Quat) error {
	return v.c.call(ctx, "Teleport", map[string]any{"vid": v.id, "pos": pos, "rot": rot, "reset": true}, nil)
}

func (v *clientVehicle) SetAIMode(ctx context.Context, mode string, inLane bool) error {
	lane := "off"
	if inLane {
		lane = "on"
	}
	return v.c.call(ctx, "SetAiMode", map[string]any{"vid": v.id, "mode": mode, "inLane": lane}, nil)
}

type clientCamera struct {
	c    *Client
	spec CameraSpec
}

func (cam *clientCamera) Name() string { return cam.spec.Name }

func (cam *clientCamera) Poll(ctx context.Context) (CameraFrame, error) {
	var frame CameraFrame
	if err := cam.c.call(ctx, "PollCamera", map[string]any{"name": cam.spec.Name}, &frame); err != nil {
		return CameraFrame{}, err
	}
	return frame.Gate(cam.spec), nil
}

type clientIMU struct {
	c    *Client
	name string
}

func (imu *clientIMU) Name() string { return imu.name }

func (imu *clientIMU) Poll(ctx context.Context) (ImuSample, error) {
	var reply struct {
		Data ImuSample `msgpack:"data"`
	}
	err := imu.c.call(ctx, "PollAdvancedIMU", map[string]any{"name": imu.name}, &reply)
	return reply.Data, err
}
