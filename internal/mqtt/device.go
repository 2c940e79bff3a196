package mqtt

// DeviceInfo holds the controller-side device registry fields shared
// across all MQTT discovery payloads. Every entity published by this
// plug references the same device block so controllers group them
// under a single device page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SerialNumber string   `json:"serial_number,omitempty"`
	SWVersion    string   `json:"sw_version"`
}

// SwitchConfig is the JSON payload for an MQTT switch discovery
// message. It is published (retained) to the discovery topic on every
// broker (re-)connect.
type SwitchConfig struct {
	Name              string     `json:"name"`
	ObjectID          string     `json:"object_id,omitempty"`
	UniqueID          string     `json:"unique_id"`
	CommandTopic      string     `json:"command_topic"`
	StateTopic        string     `json:"state_topic"`
	PayloadOn         string     `json:"payload_on"`
	PayloadOff        string     `json:"payload_off"`
	AvailabilityTopic string     `json:"availability_topic"`
	Device            DeviceInfo `json:"device"`
	Icon              string     `json:"icon,omitempty"`
	EntityCategory    string     `json:"entity_category,omitempty"`
}

// ButtonConfig is the JSON payload for an MQTT button discovery
// message.
type ButtonConfig struct {
	Name              string     `json:"name"`
	ObjectID          string     `json:"object_id,omitempty"`
	UniqueID          string     `json:"unique_id"`
	CommandTopic      string     `json:"command_topic"`
	PayloadPress      string     `json:"payload_press,omitempty"`
	AvailabilityTopic string     `json:"availability_topic"`
	Device            DeviceInfo `json:"device"`
	Icon              string     `json:"icon,omitempty"`
	EntityCategory    string     `json:"entity_category,omitempty"`
}

// SensorConfig is the JSON payload for an MQTT sensor discovery
// message.
type SensorConfig struct {
	Name              string     `json:"name"`
	ObjectID          string     `json:"object_id,omitempty"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic"`
	AvailabilityTopic string     `json:"availability_topic"`
	Device            DeviceInfo `json:"device"`
	Icon              string     `json:"icon,omitempty"`
	StateClass        string     `json:"state_class,omitempty"`
	EntityCategory    string     `json:"entity_category,omitempty"`
}

// deviceInfo builds the shared device block from the accessory
// identity. The accessory ID is the primary identifier, stable across
// renames and firmware updates.
func (b *Bridge) deviceInfo() DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{b.ids.AccessoryID},
		Name:         b.info.Name,
		Manufacturer: b.info.Manufacturer,
		Model:        b.info.Model,
		SerialNumber: b.info.SerialNumber,
		SWVersion:    b.info.FirmwareRevision,
	}
}

// discoveryEntity pairs a discovery component/entity path with its
// config payload.
type discoveryEntity struct {
	component string
	entity    string
	payload   any
}

// discoveryConfigs lists every entity this plug announces: the relay,
// the firmware update trigger, the identify and reset-pairing buttons,
// and two diagnostics sensors.
func (b *Bridge) discoveryConfigs() []discoveryEntity {
	dev := b.deviceInfo()
	avail := b.availabilityTopic()

	return []discoveryEntity{
		{
			component: "switch",
			entity:    "relay",
			payload: SwitchConfig{
				Name:              "Power",
				ObjectID:          b.slug() + "_power",
				UniqueID:          b.ids.AccessoryID + "_relay",
				CommandTopic:      b.commandTopic("relay"),
				StateTopic:        b.stateTopic("relay"),
				PayloadOn:         "ON",
				PayloadOff:        "OFF",
				AvailabilityTopic: avail,
				Device:            dev,
				Icon:              "mdi:power-socket-de",
			},
		},
		{
			component: "switch",
			entity:    "update",
			payload: SwitchConfig{
				Name:              "Firmware Update",
				ObjectID:          b.slug() + "_update",
				UniqueID:          b.ids.AccessoryID + "_update",
				CommandTopic:      b.commandTopic("update"),
				StateTopic:        b.stateTopic("update"),
				PayloadOn:         "ON",
				PayloadOff:        "OFF",
				AvailabilityTopic: avail,
				Device:            dev,
				Icon:              "mdi:update",
				EntityCategory:    "config",
			},
		},
		{
			component: "button",
			entity:    "identify",
			payload: ButtonConfig{
				Name:              "Identify",
				ObjectID:          b.slug() + "_identify",
				UniqueID:          b.ids.AccessoryID + "_identify",
				CommandTopic:      b.commandTopic("identify"),
				PayloadPress:      "PRESS",
				AvailabilityTopic: avail,
				Device:            dev,
				Icon:              "mdi:lightbulb-on-outline",
				EntityCategory:    "diagnostic",
			},
		},
		{
			component: "button",
			entity:    "reset_pairing",
			payload: ButtonConfig{
				Name:              "Reset Pairing",
				ObjectID:          b.slug() + "_reset_pairing",
				UniqueID:          b.ids.AccessoryID + "_reset_pairing",
				CommandTopic:      b.commandTopic("reset_pairing"),
				PayloadPress:      "PRESS",
				AvailabilityTopic: avail,
				Device:            dev,
				Icon:              "mdi:link-off",
				EntityCategory:    "config",
			},
		},
		{
			component: "sensor",
			entity:    "revision",
			payload: SensorConfig{
				Name:              "Firmware Revision",
				ObjectID:          b.slug() + "_revision",
				UniqueID:          b.ids.AccessoryID + "_revision",
				StateTopic:        b.stateTopic("revision"),
				AvailabilityTopic: avail,
				Device:            dev,
				Icon:              "mdi:tag",
				EntityCategory:    "diagnostic",
			},
		},
		{
			component: "sensor",
			entity:    "restarts",
			payload: SensorConfig{
				Name:              "Consecutive Restarts",
				ObjectID:          b.slug() + "_restarts",
				UniqueID:          b.ids.AccessoryID + "_restarts",
				StateTopic:        b.stateTopic("restarts"),
				AvailabilityTopic: avail,
				Device:            dev,
				Icon:              "mdi:restart-alert",
				StateClass:        "measurement",
				EntityCategory:    "diagnostic",
			},
		},
	}
}
