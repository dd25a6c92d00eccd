package transport

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/berfenger/luxbridge/pkg/registers"
	"go.uber.org/zap"
)

const (
	pathLogin       = "/WManage/api/login"
	pathRuntime     = "/WManage/api/inverter/getInverterRuntime"
	pathEnergy      = "/WManage/api/inverter/getInverterEnergyInfo"
	pathBattery     = "/WManage/api/battery/getBatteryInfo"
	pathRemoteRead  = "/WManage/web/maintain/remoteRead/read"
	pathRemoteWrite = "/WManage/web/maintain/remoteSet/write"
	pathDayChart    = "/WManage/api/analyze/chart/dayMultiLine"
	pathDeviceList  = "/WManage/api/inverterOverview/list"

	maxCloudRegisters = 127
	historyTimeLayout = "2006-01-02 15:04:05"
)

type HTTPConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	Serial   string        `mapstructure:"serial"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Retry    RetryPolicy   `mapstructure:"retry"`
}

func (c HTTPConfig) WithDefaults() HTTPConfig {
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Retry == (RetryPolicy{}) {
		c.Retry = DefaultRetryPolicy
	}
	return c
}

func (c HTTPConfig) Validate() error {
	if _, err := url.ParseRequestURI(c.BaseURL); err != nil {
		return fmt.Errorf("%w: base url: %v", ErrInvalidConfig, err)
	}
	if c.Username == "" || c.Password == "" {
		return fmt.Errorf("%w: cloud credentials are required", ErrInvalidConfig)
	}
	return Config{Kind: KindHTTP, Serial: c.Serial}.Validate()
}

// HTTPTransport talks to the vendor cloud with a cookie session.
type HTTPTransport struct {
	config     HTTPConfig
	client     *http.Client
	logger     *zap.Logger
	instrument []Instrument
	connected  atomic.Bool
	loginMu    sync.Mutex
	now        func() time.Time
}

var (
	_ Transport     = (*HTTPTransport)(nil)
	_ HistoryReader = (*HTTPTransport)(nil)
	_ DeviceLister  = (*HTTPTransport)(nil)
)

func NewHTTPTransport(config HTTPConfig, logger *zap.Logger, instrument ...Instrument) (*HTTPTransport, error) {
	config = config.WithDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPTransport{
		config:     config,
		client:     &http.Client{Jar: jar, Timeout: config.Timeout},
		logger:     logger.With(zap.String("transport", string(KindHTTP)), zap.String("serial", config.Serial)),
		instrument: instrument,
		now:        time.Now,
	}, nil
}

func (t *HTTPTransport) Kind() Kind                 { return KindHTTP }
func (t *HTTPTransport) Capabilities() Capabilities { return HTTPCapabilities }
func (t *HTTPTransport) Serial() string             { return t.config.Serial }
func (t *HTTPTransport) IsConnected() bool          { return t.connected.Load() }

func (t *HTTPTransport) Connect(ctx context.Context) error {
	if t.IsConnected() {
		return nil
	}
	if err := t.login(ctx); err != nil {
		return err
	}
	t.connected.Store(true)
	t.logger.Info("logged in", zap.String("url", t.config.BaseURL))
	return nil
}

func (t *HTTPTransport) Disconnect() error {
	if t.connected.Swap(false) {
		t.client.CloseIdleConnections()
		t.logger.Info("disconnected")
	}
	return nil
}

func (t *HTTPTransport) login(ctx context.Context) error {
	t.loginMu.Lock()
	defer t.loginMu.Unlock()

	form := url.Values{"account": {t.config.Username}, "password": {t.config.Password}}
	body, err := t.send(ctx, "login", pathLogin, form)
	if err != nil {
		return err
	}
	_, err = decodeEnvelope("login", body)
	return err
}

// envelope is the common shape of every cloud reply.
type envelope map[string]json.RawMessage

func decodeEnvelope(op string, body []byte) (envelope, error) {
	var env envelope
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return nil, &ProtocolError{Op: op, Kind: KindHTTP, Message: fmt.Sprintf("invalid response: %v", err)}
	}
	var success bool
	if raw, ok := env["success"]; !ok || json.Unmarshal(raw, &success) != nil || !success {
		msg := env.message()
		if isSessionMessage(msg) {
			return nil, errSessionExpired
		}
		return nil, &ProtocolError{Op: op, Kind: KindHTTP, Message: msg, Transient: IsTransientMessage(msg)}
	}
	return env, nil
}

func (e envelope) message() string {
	for _, key := range []string{"msg", "message", "errorMsg"} {
		var s string
		if raw, ok := e[key]; ok && json.Unmarshal(raw, &s) == nil && s != "" {
			return s
		}
	}
	return "request failed"
}

func (e envelope) numbers() map[string]float64 {
	out := make(map[string]float64, len(e))
	for k, raw := range e {
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			continue
		}
		if f, err := n.Float64(); err == nil {
			out[k] = f
		}
	}
	return out
}

// send performs one POST without retries.
func (t *HTTPTransport) send(ctx context.Context, op, path string, form url.Values) ([]byte, error) {
	defer RecordTimer(KindHTTP, op, t.instrument)()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(t.config.BaseURL, "/")+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &ProtocolError{Op: op, Kind: KindHTTP, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, wrapIOError(KindHTTP, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapIOError(KindHTTP, op, err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, errSessionExpired
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		return nil, &ProtocolError{Op: op, Kind: KindHTTP, Message: resp.Status, Transient: true}
	case resp.StatusCode >= 300:
		return nil, &ProtocolError{Op: op, Kind: KindHTTP, Message: resp.Status}
	}
	return body, nil
}

// call posts to path with the transient retry policy and renews the session
// once when the cloud reports it expired.
func (t *HTTPTransport) call(ctx context.Context, op, path string, form url.Values) (envelope, error) {
	if !t.IsConnected() {
		return nil, notConnected(KindHTTP, op)
	}
	var result envelope
	relogged := false
	err := t.config.Retry.retry(ctx, t.logger, op, func() error {
		for {
			body, err := t.send(ctx, op, path, form)
			if err == nil {
				result, err = decodeEnvelope(op, body)
			}
			if err == errSessionExpired && !relogged {
				relogged = true
				t.logger.Info("cloud session expired, logging in again")
				if lerr := t.login(ctx); lerr != nil {
					return lerr
				}
				continue
			}
			if err == errSessionExpired {
				return &ProtocolError{Op: op, Kind: KindHTTP, Message: err.Error()}
			}
			return err
		}
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (t *HTTPTransport) serialForm() url.Values {
	return url.Values{"serialNum": {t.config.Serial}}
}

// fromCloud converts raw cloud numbers into catalog field values.
func fromCloud(raw map[string]float64, fields []registers.Field) map[string]float64 {
	values := make(map[string]float64, len(fields))
	for _, f := range fields {
		v, ok := raw[f.APIKey]
		if !ok {
			continue
		}
		if scale := f.Def.Scale(); scale != 1 {
			v /= float64(scale)
		}
		values[f.Name] = v
	}
	return values
}

func (t *HTTPTransport) readFields(ctx context.Context, op, path string, fields []registers.Field) (*Readings, error) {
	env, err := t.call(ctx, op, path, t.serialForm())
	if err != nil {
		return nil, err
	}
	return &Readings{Values: fromCloud(env.numbers(), fields), Timestamp: t.now()}, nil
}

func (t *HTTPTransport) ReadRuntime(ctx context.Context) (*Readings, error) {
	return t.readFields(ctx, "read runtime", pathRuntime, registers.RuntimeFields)
}

func (t *HTTPTransport) ReadEnergy(ctx context.Context) (*Readings, error) {
	return t.readFields(ctx, "read energy", pathEnergy, registers.EnergyFields)
}

func (t *HTTPTransport) ReadBattery(ctx context.Context) (*BatteryReadings, error) {
	env, err := t.call(ctx, "read battery", pathBattery, t.serialForm())
	if err != nil {
		return nil, err
	}
	result := &BatteryReadings{
		Bank: Readings{Values: fromCloud(env.numbers(), registers.BatteryBankFields), Timestamp: t.now()},
	}

	raw, ok := env["batteryArray"]
	if !ok {
		return result, nil
	}
	var modules []envelope
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&modules); err != nil {
		t.logger.Warn("ignoring malformed battery array", zap.Error(err))
		return result, nil
	}
	for i, m := range modules {
		module := BatteryModule{Index: i, Values: fromCloud(m.numbers(), registers.BatteryModuleFields)}
		_ = json.Unmarshal(m["batterySn"], &module.Serial)
		_ = json.Unmarshal(m["fwVersionText"], &module.Firmware)
		result.Modules = append(result.Modules, module)
	}
	return result, nil
}

// ReadParameters reads holding registers through the cloud remote read. The
// reply carries the words as a hex string, low byte first.
func (t *HTTPTransport) ReadParameters(ctx context.Context, start, count uint16) (registers.RawMap, error) {
	if !t.IsConnected() {
		return nil, notConnected(KindHTTP, "read parameters")
	}
	result := make(registers.RawMap, count)
	for off := 0; off < int(count); off += maxCloudRegisters {
		n := min(int(count)-off, maxCloudRegisters)
		addr := int(start) + off
		form := url.Values{
			"inverterSn":    {t.config.Serial},
			"startRegister": {strconv.Itoa(addr)},
			"pointNumber":   {strconv.Itoa(n)},
		}
		env, err := t.call(ctx, "read parameters", pathRemoteRead, form)
		if err != nil {
			return nil, err
		}
		var frame string
		if err := json.Unmarshal(env["valueFrame"], &frame); err != nil {
			return nil, &ProtocolError{Op: "read parameters", Kind: KindHTTP, Message: "missing valueFrame"}
		}
		words, err := decodeValueFrame(frame)
		if err != nil || len(words) < n {
			return nil, &ProtocolError{Op: "read parameters", Kind: KindHTTP, Message: fmt.Sprintf("bad valueFrame for %d registers", n)}
		}
		result.Merge(registers.FromWords(uint16(addr), words[:n]))
	}
	return result, nil
}

func decodeValueFrame(frame string) ([]uint16, error) {
	b, err := hex.DecodeString(frame)
	if err != nil {
		return nil, err
	}
	words := make([]uint16, len(b)/2)
	for i := range words {
		words[i] = uint16(b[2*i]) | uint16(b[2*i+1])<<8
	}
	return words, nil
}

func (t *HTTPTransport) WriteParameters(ctx context.Context, values map[uint16]uint16) error {
	if !t.IsConnected() {
		return notConnected(KindHTTP, "write parameters")
	}
	for _, run := range consecutiveRuns(values) {
		list := make([]string, len(run.values))
		for i, v := range run.values {
			list[i] = strconv.Itoa(int(v))
		}
		form := url.Values{
			"inverterSn":    {t.config.Serial},
			"startRegister": {strconv.Itoa(int(run.start))},
			"valueList":     {strings.Join(list, ",")},
		}
		if _, err := t.call(ctx, "write parameters", pathRemoteWrite, form); err != nil {
			return err
		}
	}
	return nil
}

func (t *HTTPTransport) ReadFirmwareVersion(ctx context.Context) (string, error) {
	env, err := t.call(ctx, "read firmware", pathRuntime, t.serialForm())
	if err != nil {
		return "", err
	}
	var fw string
	_ = json.Unmarshal(env["fwCode"], &fw)
	return fw, nil
}

func (t *HTTPTransport) ReadDeviceType(ctx context.Context) (uint16, error) {
	regs, err := t.ReadParameters(ctx, registers.HoldDeviceTypeCode, 1)
	if err != nil {
		return 0, err
	}
	return regs[registers.HoldDeviceTypeCode], nil
}

func (t *HTTPTransport) ReadHistory(ctx context.Context, day time.Time) ([]HistoryPoint, error) {
	form := url.Values{"serialNum": {t.config.Serial}, "dateText": {day.Format("2006-01-02")}}
	env, err := t.call(ctx, "read history", pathDayChart, form)
	if err != nil {
		return nil, err
	}
	var rows []envelope
	dec := json.NewDecoder(bytes.NewReader(env["data"]))
	dec.UseNumber()
	if err := dec.Decode(&rows); err != nil {
		return nil, &ProtocolError{Op: "read history", Kind: KindHTTP, Message: "malformed history data"}
	}
	points := make([]HistoryPoint, 0, len(rows))
	for _, row := range rows {
		var ts string
		if err := json.Unmarshal(row["time"], &ts); err != nil {
			continue
		}
		at, err := time.ParseInLocation(historyTimeLayout, ts, day.Location())
		if err != nil {
			continue
		}
		points = append(points, HistoryPoint{Time: at, Values: row.numbers()})
	}
	return points, nil
}

func (t *HTTPTransport) ListDevices(ctx context.Context) ([]RemoteDevice, error) {
	env, err := t.call(ctx, "list devices", pathDeviceList, url.Values{"page": {"1"}, "rows": {"100"}})
	if err != nil {
		return nil, err
	}
	var rows []struct {
		SerialNum      string `json:"serialNum"`
		DeviceTypeText string `json:"deviceTypeText"`
		PlantID        int    `json:"plantId"`
		StatusText     string `json:"statusText"`
	}
	if err := json.Unmarshal(env["rows"], &rows); err != nil {
		return nil, &ProtocolError{Op: "list devices", Kind: KindHTTP, Message: "malformed device list"}
	}
	devices := make([]RemoteDevice, len(rows))
	for i, r := range rows {
		devices[i] = RemoteDevice{Serial: r.SerialNum, DeviceType: r.DeviceTypeText, PlantID: r.PlantID, Status: r.StatusText}
	}
	return devices, nil
}
