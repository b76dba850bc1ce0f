package duco

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/simonvetter/modbus"
)

const (
	readHoldingRegisters = 0x03
	readInputRegisters   = 0x04

	defaultModbusTCPPort = "502"

	// MaxModbusNode is the highest node number whose register block fits the 16-bit address space.
	MaxModbusNode = 655
)

// Register offsets within a node's block of 100 registers.
const (
	inputSystemType    = 0
	inputFlowLevel     = 3
	inputAirQualityRH  = 4
	inputAirQualityCO2 = 5
	inputFilterTime    = 7

	holdingVentilationPosition = 0
)

// systemTypes maps the numeric system type register onto board type strings.
var systemTypes = map[uint16]string{
	8:  "UCBAT",
	9:  "UC",
	10: "UCRH",
	12: "UCCO2",
	13: "VLV",
	14: "VLVRH",
	16: "VLVCO2",
	17: "BOX",
	18: "SWITCH",
	27: "CTRL",
	28: "VLVCO2RH",
	29: "UCSUN",
	30: "UCNIGHT",
	31: "EXTMZ",
	35: "BSRH",
	37: "BSCO2",
	39: "WEATHER",
}

var ventilationPositions = map[uint16]string{
	0:  "AUTO",
	4:  "MAN1",
	5:  "MAN2",
	6:  "MAN3",
	7:  "EMPT",
	8:  "CNT1",
	9:  "CNT2",
	10: "CNT3",
}

type register struct {
	function byte
	offset   uint16
	group    string
	field    string
}

var (
	flowLevelRegister  = register{readInputRegisters, inputFlowLevel, "Ventilation", "FlowLvlTgt"}
	iaqRHRegister      = register{readInputRegisters, inputAirQualityRH, "Sensor", "IaqRh"}
	iaqCO2Register     = register{readInputRegisters, inputAirQualityCO2, "Sensor", "IaqCo2"}
	filterTimeRegister = register{readInputRegisters, inputFilterTime, "HeatRecovery", "TimeFilterRemain"}
)

// registersByType lists the value registers read for each system type besides the ventilation
// position, which every node has.
var registersByType = map[uint16][]register{
	10: {iaqRHRegister},
	12: {iaqCO2Register},
	13: {flowLevelRegister},
	14: {flowLevelRegister, iaqRHRegister},
	16: {flowLevelRegister, iaqCO2Register},
	17: {flowLevelRegister, filterTimeRegister},
	28: {flowLevelRegister, iaqCO2Register, iaqRHRegister},
	35: {iaqRHRegister},
	37: {iaqCO2Register},
}

// ModbusConfig configures the Modbus transport. Address selects Modbus TCP, Device Modbus RTU over
// a serial port.
type ModbusConfig struct {
	// Address is host or host:port of the board's Modbus TCP server, port 502 by default.
	Address  string
	Device   string
	BaudRate int
	SlaveID  byte
	// Nodes are the node numbers to read; Modbus has no node enumeration.
	Nodes   []int
	Timeout time.Duration
}

// registerSession is an open connection reading one register per call.
type registerSession interface {
	readRegister(function byte, address uint16) (uint16, error)
	Close() error
}

// ModbusClient reads node registers over Modbus and renders them in the /info/nodes format.
type ModbusClient struct {
	cfg    ModbusConfig
	open   func() (registerSession, error)
	logger *slog.Logger
	mutex  sync.Mutex
}

func NewModbusClient(cfg ModbusConfig, logger *slog.Logger) *ModbusClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}

	c := &ModbusClient{
		cfg:    cfg,
		logger: logger,
	}

	if cfg.Address != "" {
		c.open = c.openTCP
	} else {
		c.open = c.openRTU
	}

	return c
}

func (c *ModbusClient) endpoint() string {
	if c.cfg.Address != "" {
		return tcpAddress(c.cfg.Address)
	}
	return c.cfg.Device
}

func tcpAddress(address string) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	return net.JoinHostPort(address, defaultModbusTCPPort)
}

type tcpSession struct {
	client *modbus.ModbusClient
}

func (c *ModbusClient) openTCP() (registerSession, error) {
	client, err := modbus.NewClient(&modbus.ClientConfiguration{
		URL:     "tcp://" + tcpAddress(c.cfg.Address),
		Timeout: c.cfg.Timeout,
	})
	if err != nil {
		return nil, err
	}

	if err := client.Open(); err != nil {
		return nil, err
	}

	if err := client.SetUnitId(c.cfg.SlaveID); err != nil {
		client.Close()
		return nil, err
	}

	return &tcpSession{client: client}, nil
}

func (s *tcpSession) readRegister(function byte, address uint16) (uint16, error) {
	regType := modbus.INPUT_REGISTER
	if function == readHoldingRegisters {
		regType = modbus.HOLDING_REGISTER
	}
	return s.client.ReadRegister(address, regType)
}

func (s *tcpSession) Close() error {
	return s.client.Close()
}

func (c *ModbusClient) FetchNodes(ctx context.Context) (json.RawMessage, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	session, err := c.open()
	if err != nil {
		return nil, &FetchError{Path: c.endpoint(), Kind: ErrNetwork, Err: err}
	}
	defer session.Close()

	nodes := make([]map[string]any, 0, len(c.cfg.Nodes))
	for _, number := range c.cfg.Nodes {
		if err := ctx.Err(); err != nil {
			return nil, &FetchError{Path: c.endpoint(), Kind: ErrNetwork, Err: err}
		}

		node, err := c.readNode(session, number)
		if err != nil {
			c.logger.Debug("modbus node not readable", "node", number, "error", err)
			continue
		}
		nodes = append(nodes, node)
	}

	if len(nodes) == 0 && len(c.cfg.Nodes) > 0 {
		return nil, &FetchError{Path: c.endpoint(), Kind: ErrNetwork, Err: errors.New("no node answered")}
	}

	body, err := json.Marshal(map[string]any{"Nodes": nodes})
	if err != nil {
		return nil, &FetchError{Path: c.endpoint(), Kind: ErrDecode, Err: err}
	}

	return body, nil
}

func (c *ModbusClient) readNode(session registerSession, number int) (map[string]any, error) {
	if number < 0 || number > MaxModbusNode {
		return nil, fmt.Errorf("modbus: node %d out of range 0-%d", number, MaxModbusNode)
	}
	base := uint16(number * 100)

	systemType, err := session.readRegister(readInputRegisters, base+inputSystemType)
	if err != nil {
		return nil, err
	}

	typeName, ok := systemTypes[systemType]
	if !ok {
		typeName = fmt.Sprintf("TYPE%d", systemType)
	}

	groups := map[string]map[string]any{
		"General": {"Type": map[string]any{"Val": typeName}},
	}
	set := func(group, field string, val any) {
		if groups[group] == nil {
			groups[group] = make(map[string]any)
		}
		groups[group][field] = map[string]any{"Val": val}
	}

	if position, err := session.readRegister(readHoldingRegisters, base+holdingVentilationPosition); err == nil {
		if state, ok := ventilationPositions[position]; ok {
			set("Ventilation", "State", state)
		}
	} else {
		c.logger.Debug("modbus register not readable", "node", number, "register", "position", "error", err)
	}

	for _, reg := range registersByType[systemType] {
		value, err := session.readRegister(reg.function, base+reg.offset)
		if err != nil {
			c.logger.Debug("modbus register not readable", "node", number, "register", reg.field, "error", err)
			continue
		}
		set(reg.group, reg.field, value)
	}

	node := map[string]any{"Node": number}
	for name, group := range groups {
		node[name] = group
	}

	return node, nil
}
