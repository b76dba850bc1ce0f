package homeassistant

type sensorConfiguration struct {
	UniqueId            string `json:"unique_id"`
	ObjectId            string `json:"object_id"`
	Name                string `json:"name"`
	StateTopic          string `json:"state_topic"`
	AvailabilityTopic   string `json:"availability_topic"`
	PayloadAvailable    string `json:"payload_available"`
	PayloadNotAvailable string `json:"payload_not_available"`
	DeviceClass         string `json:"device_class,omitempty"`
	StateClass          string `json:"state_class,omitempty"`
	UnitOfMeasurement   string `json:"unit_of_measurement,omitempty"`
	Icon                string `json:"icon,omitempty"`
	DisplayPrecision    *int   `json:"suggested_display_precision,omitempty"`
	PayloadOn           string `json:"payload_on,omitempty"`
	PayloadOff          string `json:"payload_off,omitempty"`
	Device              device `json:"device"`
	Origin              origin `json:"origin"`
}

type device struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model,omitempty"`
	SwVersion    string   `json:"sw_version,omitempty"`
	ViaDevice    string   `json:"via_device,omitempty"`
}

type origin struct {
	Name       string `json:"name"`
	SwVersion  string `json:"sw_version,omitempty"`
	SupportUrl string `json:"support_url,omitempty"`
}
