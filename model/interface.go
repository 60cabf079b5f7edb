package model

import (
	"fmt"
	"strings"
	"time"
)

// Default transport settings applied when a configuration leaves them unset.
const (
	DefaultMQTTPort       = 1883
	DefaultMQTTTopic      = "msh/#"
	DefaultMQTTBaseTopic  = "msh/US"
	DefaultSerialBaudRate = 115200
	DefaultTCPPort        = 4403
)

// TransportKind selects how an interface reaches the mesh.
type TransportKind string

const (
	TransportMQTT   TransportKind = "MQTT"
	TransportSerial TransportKind = "SERIAL"
	TransportTCP    TransportKind = "TCP"
)

// ParseTransportKind accepts the kind in any letter case.
func ParseTransportKind(s string) (TransportKind, error) {
	switch TransportKind(strings.ToUpper(strings.TrimSpace(s))) {
	case TransportMQTT:
		return TransportMQTT, nil
	case TransportSerial:
		return TransportSerial, nil
	case TransportTCP:
		return TransportTCP, nil
	default:
		return "", &ConfigError{Field: "type", Value: s, Message: "unknown transport kind"}
	}
}

// InterfaceStatus is the runtime state of an interface. Only the interface
// runtime writes it.
type InterfaceStatus string

const (
	StatusInit       InterfaceStatus = "INIT"
	StatusConnecting InterfaceStatus = "CONNECTING"
	StatusRunning    InterfaceStatus = "RUNNING"
	StatusError      InterfaceStatus = "ERROR"
	StatusStopped    InterfaceStatus = "STOPPED"
)

// Active reports whether a runtime in this state owns (or is acquiring) a transport.
func (s InterfaceStatus) Active() bool {
	return s == StatusRunning || s == StatusConnecting
}

// MQTTConfig holds broker settings for an MQTT interface.
type MQTTConfig struct {
	BrokerAddress string `json:"broker_address" yaml:"broker_address"`
	Port          int    `json:"port" yaml:"port"`
	// Topic is the subscription filter.
	Topic string `json:"topic" yaml:"topic"`
	// BaseTopic overrides the publish root, e.g. "msh/EU_868".
	BaseTopic string `json:"base_topic" yaml:"base_topic"`
	Username  string `json:"username" yaml:"username"`
	Password  string `json:"password" yaml:"password"`
	TLS       bool   `json:"tls" yaml:"tls"`
	CACerts   string `json:"ca_certs" yaml:"ca_certs"`
}

// SerialConfig holds settings for a radio attached over a serial port.
type SerialConfig struct {
	Port     string `json:"port" yaml:"port"`
	BaudRate int    `json:"baud_rate" yaml:"baud_rate"`
	// NodeID optionally pins the gateway node identity of the attached radio.
	NodeID string `json:"node_id" yaml:"node_id"`
}

// TCPConfig holds settings for a network-attached radio.
type TCPConfig struct {
	Hostname string `json:"hostname" yaml:"hostname"`
	Port     int    `json:"port" yaml:"port"`
}

// Interface is a configured transport through which packets are received and sent.
type Interface struct {
	ID      int64
	Name    string
	Kind    TransportKind
	Enabled bool

	Status        InterfaceStatus
	LastConnected *time.Time
	LastError     string

	MQTT   *MQTTConfig
	Serial *SerialConfig
	TCP    *TCPConfig

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RuntimeState is the subset of Interface owned by the runtime.
type RuntimeState struct {
	Status        InterfaceStatus
	LastConnected *time.Time
	LastError     string
}

// ApplyDefaults fills transport defaults in place.
func (i *Interface) ApplyDefaults() {
	if i.Status == "" {
		i.Status = StatusInit
	}
	switch i.Kind {
	case TransportMQTT:
		if i.MQTT == nil {
			i.MQTT = &MQTTConfig{}
		}
		if i.MQTT.Port == 0 {
			i.MQTT.Port = DefaultMQTTPort
		}
		if i.MQTT.Topic == "" {
			i.MQTT.Topic = DefaultMQTTTopic
		}
		if i.MQTT.BaseTopic == "" {
			i.MQTT.BaseTopic = DefaultMQTTBaseTopic
		}
	case TransportSerial:
		if i.Serial == nil {
			i.Serial = &SerialConfig{}
		}
		if i.Serial.BaudRate == 0 {
			i.Serial.BaudRate = DefaultSerialBaudRate
		}
	case TransportTCP:
		if i.TCP == nil {
			i.TCP = &TCPConfig{}
		}
		if i.TCP.Port == 0 {
			i.TCP.Port = DefaultTCPPort
		}
	}
}

// Validate reports the first configuration problem that prevents the
// interface from connecting.
func (i Interface) Validate() error {
	switch i.Kind {
	case TransportMQTT:
		if i.MQTT == nil || strings.TrimSpace(i.MQTT.BrokerAddress) == "" {
			return &ConfigError{Field: "mqtt.broker_address", Message: "broker address is required"}
		}
		if i.MQTT.Port <= 0 || i.MQTT.Port > 65535 {
			return &ConfigError{Field: "mqtt.port", Value: i.MQTT.Port, Message: "port out of range"}
		}
		if strings.TrimSpace(i.MQTT.Topic) == "" {
			return &ConfigError{Field: "mqtt.topic", Message: "topic is required"}
		}
	case TransportSerial:
		if i.Serial == nil || strings.TrimSpace(i.Serial.Port) == "" {
			return &ConfigError{Field: "serial.port", Message: "device path is required"}
		}
		if i.Serial.BaudRate <= 0 {
			return &ConfigError{Field: "serial.baud_rate", Value: i.Serial.BaudRate, Message: "baud rate must be positive"}
		}
		if i.Serial.NodeID != "" {
			if _, err := ParseNodeID(i.Serial.NodeID); err != nil {
				return &ConfigError{Field: "serial.node_id", Value: i.Serial.NodeID, Message: err.Error()}
			}
		}
	case TransportTCP:
		if i.TCP == nil || strings.TrimSpace(i.TCP.Hostname) == "" {
			return &ConfigError{Field: "tcp.hostname", Message: "hostname is required"}
		}
		if i.TCP.Port <= 0 || i.TCP.Port > 65535 {
			return &ConfigError{Field: "tcp.port", Value: i.TCP.Port, Message: "port out of range"}
		}
	default:
		return &ConfigError{Field: "type", Value: string(i.Kind), Message: "unknown transport kind"}
	}
	return nil
}

// DefaultInterfaceName derives a name for an unnamed interface given how
// many existing names already start with the kind prefix.
func DefaultInterfaceName(kind TransportKind, similar int) string {
	base := strings.ToLower(string(kind))
	if similar == 0 {
		return base
	}
	return fmt.Sprintf("%s-%d", base, similar+1)
}

func (i Interface) String() string {
	return fmt.Sprintf("%s (%s)", i.Name, i.Kind)
}
