package engine

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/scanbroker/core/internal/circuitbreaker"
	"github.com/scanbroker/core/internal/config"
	"github.com/scanbroker/core/internal/errs"
	"github.com/scanbroker/core/internal/metrics"
)

const retryAttempts = 3
const retryBackoff = 2 * time.Second

// gmpClient speaks the Greenbone Management Protocol over a TLS
// connection to one probe. The connection is established lazily and
// re-established on any transport error; authentication is memoized
// until that happens.
type gmpClient struct {
	probe   config.ProbeConfig
	scanCfg config.ScanConfig
	timeout time.Duration
	breaker *circuitbreaker.Breaker
	metrics *metrics.Registry

	mu            sync.Mutex
	conn          net.Conn
	authenticated bool
}

func newGMPClient(probe config.ProbeConfig, scanCfg config.ScanConfig, timeout time.Duration, breakers *circuitbreaker.Registry, reg *metrics.Registry) *gmpClient {
	breaker := breakers.Get(probe.Name, circuitbreaker.Config{
		ErrorPct:       50,
		WindowDuration: time.Minute,
		OpenDuration:   30 * time.Second,
		HalfOpenProbes: 1,
	})
	return &gmpClient{probe: probe, scanCfg: scanCfg, timeout: timeout, breaker: breaker, metrics: reg}
}

func (c *gmpClient) Name() string { return c.probe.Name }

// BreakerState reports this probe's circuit breaker state, used by the
// Scan Manager to prune unavailable probes before the Probe Selector
// runs its candidate algorithm.
func (c *gmpClient) BreakerState() circuitbreaker.State {
	if c.breaker == nil {
		return circuitbreaker.StateClosed
	}
	return c.breaker.State()
}

// withRetry runs op up to retryAttempts times with a fixed backoff,
// reconnecting between attempts, honoring the circuit breaker.
func (c *gmpClient) withRetry(ctx context.Context, op func(ctx context.Context) error) error {
	if c.breaker != nil && !c.breaker.Allow() {
		return errs.New(errs.EngineUnavailable, c.probe.Name, fmt.Errorf("circuit open"))
	}

	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			c.resetConn()
			select {
			case <-ctx.Done():
				return errs.New(errs.Timeout, c.probe.Name, ctx.Err())
			case <-time.After(retryBackoff):
			}
		}

		err := op(ctx)
		if err == nil {
			if c.breaker != nil {
				c.breaker.RecordSuccess()
				c.reportBreakerState()
			}
			return nil
		}
		lastErr = err

		var ee *errs.EngineError
		if errorsAs(err, &ee) && (ee.Kind == errs.AuthFailed || ee.Kind == errs.ValidationError) {
			// Hard errors don't benefit from retry.
			break
		}
	}

	if c.breaker != nil {
		c.breaker.RecordFailure()
		c.reportBreakerState()
	}
	return lastErr
}

// reportBreakerState republishes this probe's breaker state to the
// metrics registry after a transition-triggering success or failure.
func (c *gmpClient) reportBreakerState() {
	if c.metrics == nil || c.breaker == nil {
		return
	}
	c.metrics.SetCircuitBreakerState(c.probe.Name, int(c.breaker.State()))
}

func errorsAs(err error, target **errs.EngineError) bool {
	ee, ok := err.(*errs.EngineError)
	if ok {
		*target = ee
		return true
	}
	return false
}

func (c *gmpClient) resetConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.authenticated = false
}

// connect lazily dials and authenticates, memoized until a transport
// error resets it.
func (c *gmpClient) connect(ctx context.Context) (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && c.authenticated {
		return c.conn, nil
	}

	d := &net.Dialer{Timeout: c.timeout}
	rawConn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(c.probe.Host, strconv.Itoa(c.probe.Port)))
	if err != nil {
		return nil, errs.New(errs.EngineUnavailable, c.probe.Name, err)
	}
	tlsConn := tls.Client(rawConn, &tls.Config{InsecureSkipVerify: true})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, errs.New(errs.EngineUnavailable, c.probe.Name, err)
	}

	c.conn = tlsConn
	if err := c.authenticateLocked(ctx, tlsConn); err != nil {
		tlsConn.Close()
		c.conn = nil
		return nil, err
	}
	c.authenticated = true
	return c.conn, nil
}

func (c *gmpClient) authenticateLocked(ctx context.Context, conn net.Conn) error {
	req := gmpAuthenticate{
		Credentials: gmpCredentials{Username: c.probe.Username, Password: c.probe.Password},
	}
	var resp gmpResponseEnvelope
	if err := c.roundTrip(ctx, conn, req, &resp); err != nil {
		return err
	}
	if resp.Status != "" && !strings.HasPrefix(resp.Status, "2") {
		return errs.New(errs.AuthFailed, c.probe.Name, fmt.Errorf("gmp status %s: %s", resp.Status, resp.StatusText))
	}
	return nil
}

// roundTrip marshals req as an XML command, writes it to conn, and
// decodes the next XML element into resp.
func (c *gmpClient) roundTrip(ctx context.Context, conn net.Conn, req any, resp any) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	} else {
		_ = conn.SetDeadline(time.Now().Add(c.timeout))
	}

	b, err := xml.Marshal(req)
	if err != nil {
		return errs.New(errs.EngineProtocolError, c.probe.Name, err)
	}
	if _, err := conn.Write(b); err != nil {
		return errs.New(errs.EngineUnavailable, c.probe.Name, err)
	}

	dec := xml.NewDecoder(bufio.NewReader(conn))
	if err := dec.Decode(resp); err != nil {
		return errs.New(errs.EngineProtocolError, c.probe.Name, err)
	}
	return nil
}

// --- GMP command/response envelopes ---
// These are intentionally minimal: only the elements the control plane
// reads or writes. A real GMP response carries far more; unknown
// elements are ignored by encoding/xml.

type gmpCredentials struct {
	XMLName  xml.Name `xml:"credentials"`
	Username string   `xml:"username"`
	Password string   `xml:"password"`
}

type gmpAuthenticate struct {
	XMLName     xml.Name       `xml:"authenticate"`
	Credentials gmpCredentials `xml:"credentials"`
}

type gmpResponseEnvelope struct {
	Status     string `xml:"status,attr"`
	StatusText string `xml:"status_text,attr"`
	ID         string `xml:"id,attr"`
}

type gmpPortList struct {
	ID string `xml:"id,attr"`
}

type gmpCreateTarget struct {
	XMLName  xml.Name     `xml:"create_target"`
	Name     string       `xml:"name"`
	Hosts    string       `xml:"hosts"`
	PortList *gmpPortList `xml:"port_list,omitempty"`
}

type gmpCreateTargetResponse struct {
	gmpResponseEnvelope
}

type gmpRef struct {
	ID string `xml:"id,attr"`
}

type gmpCreateTask struct {
	XMLName xml.Name `xml:"create_task"`
	Name    string   `xml:"name"`
	Config  gmpRef   `xml:"config"`
	Target  gmpRef   `xml:"target"`
	Scanner gmpRef   `xml:"scanner"`
}

type gmpCreateTaskResponse struct {
	gmpResponseEnvelope
}

type gmpStartTask struct {
	XMLName xml.Name `xml:"start_task"`
	TaskID  string   `xml:"task_id,attr"`
}

type gmpStartTaskResponse struct {
	gmpResponseEnvelope
	ReportID string `xml:"report_id"`
}

type gmpGetTasks struct {
	XMLName xml.Name `xml:"get_tasks"`
	TaskID  string   `xml:"task_id,attr"`
	Details string   `xml:"details,attr"`
}

type gmpGetTasksResponse struct {
	gmpResponseEnvelope
	Task struct {
		Status   string `xml:"status"`
		Progress int    `xml:"progress"`
	} `xml:"task"`
}

type gmpGetReports struct {
	XMLName  xml.Name `xml:"get_reports"`
	ReportID string   `xml:"report_id,attr"`
}

type gmpGetReportsResponse struct {
	gmpResponseEnvelope
	Report struct {
		InnerXML string `xml:",innerxml"`
	} `xml:"report"`
}

type gmpDeleteTask struct {
	XMLName xml.Name `xml:"delete_task"`
	TaskID  string   `xml:"task_id,attr"`
}

type gmpDeleteTarget struct {
	XMLName  xml.Name `xml:"delete_target"`
	TargetID string   `xml:"target_id,attr"`
}

type gmpGetVersion struct {
	XMLName xml.Name `xml:"get_version"`
}

type gmpGetTargets struct {
	XMLName xml.Name `xml:"get_targets"`
	Filter  string   `xml:"filter,attr"`
}

type gmpGetTargetsResponse struct {
	gmpResponseEnvelope
	Target struct {
		ID string `xml:"id,attr"`
	} `xml:"target"`
}

type gmpGetTasksByName struct {
	XMLName xml.Name `xml:"get_tasks"`
	Filter  string   `xml:"filter,attr"`
}

type gmpGetTasksByNameResponse struct {
	gmpResponseEnvelope
	Task struct {
		ID string `xml:"id,attr"`
	} `xml:"task"`
}

// findTargetByName looks up an existing engine target created by an
// earlier attempt at the same scan (adapter-chosen name scan-<scan_id>),
// so a retry after a mid-call crash reuses it instead of duplicating it.
func (c *gmpClient) findTargetByName(ctx context.Context, conn net.Conn, name string) (string, bool, error) {
	var resp gmpGetTargetsResponse
	if err := c.roundTrip(ctx, conn, gmpGetTargets{Filter: "name=" + name}, &resp); err != nil {
		return "", false, err
	}
	if resp.Target.ID == "" {
		return "", false, nil
	}
	return resp.Target.ID, true, nil
}

func (c *gmpClient) findTaskByName(ctx context.Context, conn net.Conn, name string) (string, bool, error) {
	var resp gmpGetTasksByNameResponse
	if err := c.roundTrip(ctx, conn, gmpGetTasksByName{Filter: "name=" + name}, &resp); err != nil {
		return "", false, err
	}
	if resp.Task.ID == "" {
		return "", false, nil
	}
	return resp.Task.ID, true, nil
}

func (c *gmpClient) CreateTarget(ctx context.Context, name, host string, ports []int) (string, error) {
	var targetID string
	err := c.withRetry(ctx, func(ctx context.Context) error {
		conn, err := c.connect(ctx)
		if err != nil {
			return err
		}
		if id, found, err := c.findTargetByName(ctx, conn, name); err == nil && found {
			targetID = id
			return nil
		}
		req := gmpCreateTarget{Name: name, Hosts: host}
		if len(ports) > 0 {
			req.PortList = &gmpPortList{ID: c.scanCfg.DefaultPortList}
		} else if c.scanCfg.DefaultPortList != "" {
			req.PortList = &gmpPortList{ID: c.scanCfg.DefaultPortList}
		}
		var resp gmpCreateTargetResponse
		if err := c.roundTrip(ctx, conn, req, &resp); err != nil {
			return err
		}
		if !strings.HasPrefix(resp.Status, "2") && !strings.HasPrefix(resp.Status, "4") {
			return errs.New(errs.EngineProtocolError, c.probe.Name, fmt.Errorf("create_target status %s", resp.Status))
		}
		targetID = resp.ID
		return nil
	})
	return targetID, err
}

func (c *gmpClient) CreateTask(ctx context.Context, name, targetID string, scanType string) (string, error) {
	var taskID string
	err := c.withRetry(ctx, func(ctx context.Context) error {
		conn, err := c.connect(ctx)
		if err != nil {
			return err
		}
		if id, found, err := c.findTaskByName(ctx, conn, name); err == nil && found {
			taskID = id
			return nil
		}
		req := gmpCreateTask{
			Name:    name,
			Config:  gmpRef{ID: c.scanCfg.GVMScanConfig},
			Target:  gmpRef{ID: targetID},
			Scanner: gmpRef{ID: c.scanCfg.GVMScanner},
		}
		var resp gmpCreateTaskResponse
		if err := c.roundTrip(ctx, conn, req, &resp); err != nil {
			return err
		}
		if !strings.HasPrefix(resp.Status, "2") {
			return errs.New(errs.EngineProtocolError, c.probe.Name, fmt.Errorf("create_task status %s", resp.Status))
		}
		taskID = resp.ID
		return nil
	})
	return taskID, err
}

func (c *gmpClient) StartTask(ctx context.Context, taskID string) (string, error) {
	var reportID string
	err := c.withRetry(ctx, func(ctx context.Context) error {
		conn, err := c.connect(ctx)
		if err != nil {
			return err
		}
		var resp gmpStartTaskResponse
		if err := c.roundTrip(ctx, conn, gmpStartTask{TaskID: taskID}, &resp); err != nil {
			return err
		}
		if !strings.HasPrefix(resp.Status, "2") {
			return errs.New(errs.EngineProtocolError, c.probe.Name, fmt.Errorf("start_task status %s", resp.Status))
		}
		reportID = resp.ReportID
		return nil
	})
	return reportID, err
}

func (c *gmpClient) GetTask(ctx context.Context, taskID string) (Status, error) {
	var out Status
	err := c.withRetry(ctx, func(ctx context.Context) error {
		conn, err := c.connect(ctx)
		if err != nil {
			return err
		}
		var resp gmpGetTasksResponse
		if err := c.roundTrip(ctx, conn, gmpGetTasks{TaskID: taskID, Details: "0"}, &resp); err != nil {
			return err
		}
		if !strings.HasPrefix(resp.Status, "2") {
			return errs.New(errs.EngineProtocolError, c.probe.Name, fmt.Errorf("get_tasks status %s", resp.Status))
		}
		out = Status{GVMStatus: resp.Task.Status, GVMProgress: resp.Task.Progress}
		return nil
	})
	return out, err
}

func (c *gmpClient) GetReport(ctx context.Context, reportID string) (string, error) {
	var xmlText string
	err := c.withRetry(ctx, func(ctx context.Context) error {
		conn, err := c.connect(ctx)
		if err != nil {
			return err
		}
		var resp gmpGetReportsResponse
		if err := c.roundTrip(ctx, conn, gmpGetReports{ReportID: reportID}, &resp); err != nil {
			return err
		}
		if !strings.HasPrefix(resp.Status, "2") {
			return errs.New(errs.EngineProtocolError, c.probe.Name, fmt.Errorf("get_reports status %s", resp.Status))
		}
		xmlText = resp.Report.InnerXML
		return nil
	})
	return xmlText, err
}

func (c *gmpClient) DeleteTask(ctx context.Context, taskID string) error {
	return c.withRetry(ctx, func(ctx context.Context) error {
		conn, err := c.connect(ctx)
		if err != nil {
			return err
		}
		var resp gmpResponseEnvelope
		return c.roundTrip(ctx, conn, gmpDeleteTask{TaskID: taskID}, &resp)
	})
}

func (c *gmpClient) DeleteTarget(ctx context.Context, targetID string) error {
	return c.withRetry(ctx, func(ctx context.Context) error {
		conn, err := c.connect(ctx)
		if err != nil {
			return err
		}
		var resp gmpResponseEnvelope
		return c.roundTrip(ctx, conn, gmpDeleteTarget{TargetID: targetID}, &resp)
	})
}

func (c *gmpClient) Ping(ctx context.Context) error {
	return c.withRetry(ctx, func(ctx context.Context) error {
		conn, err := c.connect(ctx)
		if err != nil {
			return err
		}
		var resp gmpResponseEnvelope
		return c.roundTrip(ctx, conn, gmpGetVersion{}, &resp)
	})
}
