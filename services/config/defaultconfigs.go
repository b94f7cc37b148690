package config

// -----------------------------------------------------------------------------
// Embedded configuration
//
// Used when no configuration file exists on flash yet.
// Key: board name (RTU_BOARD)
// Val: raw JSON bytes for that board
// -----------------------------------------------------------------------------

const cfgRTU = `{
  "device_id": 10132,
  "sensor_list": ["s1","s2","s3","pt","a1","a2","a3","c1","c2","rs_1","rs_2","ra","ra_1","ra_12"],
  "sensors": {
    "s1":    {"en": 0, "disp_name": "S1", "unit": "", "a": 1, "b": 0, "high_th": null, "low_th": null},
    "s2":    {"en": 0, "disp_name": "S2", "unit": "", "a": 1, "b": 0, "high_th": null, "low_th": null},
    "s3":    {"en": 0, "disp_name": "S3", "unit": "", "a": 1, "b": 0, "high_th": null, "low_th": null},
    "pt":    {"en": 1, "disp_name": "Temp", "unit": "C", "a": 1, "b": 0, "high_th": null, "low_th": null, "sms_fun": 1, "sms_ord": 1},
    "a1":    {"en": 1, "disp_name": "AI1", "unit": "V", "a": 1, "b": 0, "high_th": null, "low_th": null},
    "a2":    {"en": 0, "disp_name": "AI2", "unit": "V", "a": 1, "b": 0, "high_th": null, "low_th": null},
    "a3":    {"en": 0, "disp_name": "AI3", "unit": "V", "a": 1, "b": 0, "high_th": null, "low_th": null},
    "c1":    {"en": 0, "disp_name": "CI1", "unit": "mA", "a": 1, "b": 0, "high_th": null, "low_th": null},
    "c2":    {"en": 0, "disp_name": "CI2", "unit": "mA", "a": 1, "b": 0, "high_th": null, "low_th": null},
    "rs_1":  {"en": 0, "disp_name": "RS1", "unit": "", "a": 1, "b": 0, "high_th": null, "low_th": null},
    "rs_2":  {"en": 0, "disp_name": "RS2", "unit": "", "a": 1, "b": 0, "high_th": null, "low_th": null},
    "ra":    {"en": 1, "disp_name": "Rain", "unit": "mm", "a": 0.2, "b": 0, "high_th": null, "low_th": null, "sms_fun": 1, "sms_ord": 2},
    "ra_1":  {"en": 1, "disp_name": "Rain 1h", "unit": "mm", "a": 0.2, "b": 0, "high_th": null, "low_th": null},
    "ra_12": {"en": 1, "disp_name": "Rain 12h", "unit": "mm", "a": 0.2, "b": 0, "high_th": null, "low_th": null}
  },
  "sdi12": {"en": 0, "addr": "0"},
  "rs485": {"en": 0, "addr": 1, "baud": 9600},
  "gprs":  {"url": "", "apn": "", "interval": 3600},
  "sms":   {"phone_1": "", "phone_2": "", "interval": 86400},
  "log":   {"interval": 600},
  "enc":   {"key": ""}
}`

var embeddedConfigs = map[string][]byte{
	"rtu": []byte(cfgRTU),
}

// EmbeddedConfigLookup allows overriding how default configs are resolved.
var EmbeddedConfigLookup = func(board string) ([]byte, bool) {
	b, ok := embeddedConfigs[board]
	return b, ok
}
