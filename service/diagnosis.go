package service

import (
	"strings"
)

type Severity string

const (
	SeverityLow    Severity = "Low"
	SeverityMedium Severity = "Medium"
	SeverityHigh   Severity = "High"
)

const unknownScientificName = "Scientific name unavailable"

var scientificNames = map[string]string{
	"Apple___Apple_scab":    "Venturia inaequalis",
	"Apple___Black_rot":     "Botryosphaeria obtusa",
	"Tomato___Early_blight": "Alternaria solani",
	"Tomato___Late_blight":  "Phytophthora infestans",
	"Potato___Late_blight":  "Phytophthora infestans",
	"Grape___Black_rot":     "Guignardia bidwellii",
	"Corn___Common_rust":    "Puccinia sorghi",
}

// Diagnosis is the human-facing reading of a class label.
type Diagnosis struct {
	Plant           string   `json:"plant"`
	Disease         string   `json:"disease"`
	DisplayName     string   `json:"displayName"`
	Healthy         bool     `json:"healthy"`
	Severity        Severity `json:"severity"`
	ScientificName  string   `json:"scientificName"`
	Recommendations []string `json:"recommendations"`
}

// Diagnose interprets a "Plant___Disease" class name. Labels without exactly
// one separator are reported verbatim.
func Diagnose(className string) Diagnosis {
	d := Diagnosis{
		DisplayName:     className,
		Severity:        severityOf(className),
		Healthy:         strings.Contains(className, "healthy"),
		ScientificName:  unknownScientificName,
		Recommendations: recommendationsFor(className),
	}
	if name, ok := scientificNames[className]; ok {
		d.ScientificName = name
	}

	parts := strings.Split(className, "___")
	if len(parts) != 2 {
		return d
	}
	d.Plant = parts[0]
	d.Disease = strings.ReplaceAll(parts[1], "_", " ")
	if strings.EqualFold(d.Disease, "healthy") {
		d.DisplayName = d.Plant + " (Healthy)"
	} else {
		d.DisplayName = d.Plant + " " + d.Disease
	}
	return d
}

func severityOf(className string) Severity {
	switch {
	case strings.Contains(className, "healthy"):
		return SeverityLow
	case strings.Contains(className, "blight"), strings.Contains(className, "virus"):
		return SeverityHigh
	}
	return SeverityMedium
}

func recommendationsFor(className string) []string {
	switch {
	case strings.Contains(className, "healthy"):
		return []string{
			"Continue regular maintenance and care",
			"Monitor for any changes in plant health",
			"Maintain proper watering schedule",
		}
	case strings.Contains(className, "blight"):
		return []string{
			"Remove and destroy infected plant tissue",
			"Apply appropriate fungicides",
			"Ensure proper air circulation between plants",
			"Avoid overhead irrigation",
		}
	case strings.Contains(className, "virus"):
		return []string{
			"Remove and destroy infected plants",
			"Control insect vectors like aphids or whiteflies",
			"Disinfect gardening tools",
			"Plant virus-resistant varieties next season",
		}
	}
	return []string{
		"Remove affected plant parts",
		"Apply appropriate treatments",
		"Improve plant spacing for better air circulation",
		"Consider resistant varieties for future planting",
	}
}
