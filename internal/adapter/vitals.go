package adapter

// vitalCoding is one row of the shared vital-sign code table: the LOINC
// coding plus the display unit and its UCUM code.
type vitalCoding struct {
	LOINC   string
	Display string
	Unit    string
	UCUM    string
}

// vitalCatalog maps the canonical vital keys used by the ambulance, bedside
// and handwritten adapters (and the VLM note schema) to their codings.
var vitalCatalog = map[string]vitalCoding{
	"heart_rate":       {LOINC: "8867-4", Display: "Heart rate", Unit: "beats/min", UCUM: "/min"},
	"systolic_bp":      {LOINC: "8480-6", Display: "Systolic blood pressure", Unit: "mmHg", UCUM: "mm[Hg]"},
	"diastolic_bp":     {LOINC: "8462-4", Display: "Diastolic blood pressure", Unit: "mmHg", UCUM: "mm[Hg]"},
	"spo2":             {LOINC: "2708-6", Display: "Oxygen saturation", Unit: "%", UCUM: "%"},
	"respiratory_rate": {LOINC: "9279-1", Display: "Respiratory rate", Unit: "breaths/min", UCUM: "/min"},
	"temperature":      {LOINC: "8310-5", Display: "Body temperature", Unit: "Cel", UCUM: "Cel"},
}

// vitalOrder fixes emission order for sources that report vitals as a map,
// keeping adapter output deterministic.
var vitalOrder = []string{
	"heart_rate",
	"systolic_bp",
	"diastolic_bp",
	"spo2",
	"respiratory_rate",
	"temperature",
}
