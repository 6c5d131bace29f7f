package vlm

// scenarioNotes are the canned extraction records the CLI --scenario flag
// selects for deterministic offline runs.
var scenarioNotes = map[string]StructuredNote{
	"default": {
		PatientName:    "Rajesh Kumar",
		ChiefComplaint: "Chest pain radiating to left arm since morning",
		Diagnoses: []Diagnosis{
			{Code: "I21.4", System: "icd-10", Display: "Acute subendocardial myocardial infarction"},
		},
		Vitals: map[string]float64{
			"heart_rate":  96,
			"systolic_bp": 148,
			"spo2":        94,
		},
	},
	"respiratory": {
		PatientName:    "Anita Sharma",
		ChiefComplaint: "Breathlessness and productive cough for three days",
		Diagnoses: []Diagnosis{
			{Code: "J18.9", System: "icd-10", Display: "Pneumonia, unspecified organism"},
		},
		Vitals: map[string]float64{
			"respiratory_rate": 26,
			"spo2":             91,
			"temperature":      38.4,
		},
	},
}

// ScenarioNote returns the canned note for a scenario name, falling back to
// the default scenario for unknown names.
func ScenarioNote(name string) StructuredNote {
	if note, ok := scenarioNotes[name]; ok {
		return note
	}
	return scenarioNotes["default"]
}
