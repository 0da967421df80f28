package bambu

// Model codes reported in SSDP DevModel.bambu.com and the printer serial.
var models = map[string]string{
	"N1":      "A1 mini",
	"N2S":     "A1",
	"C11":     "P1P",
	"C12":     "P1S",
	"BL-P001": "X1 Carbon",
	"BL-P002": "X1",
	"C13":     "X1E",
}

// ModelName returns the marketing name for a model code.
// Unknown codes are returned unchanged.
func ModelName(code string) string {
	if name, ok := models[code]; ok {
		return name
	}
	return code
}

// KnownModel reports whether code is a recognised Bambu model code.
func KnownModel(code string) bool {
	_, ok := models[code]
	return ok
}
