package service

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// Labels maps model output positions to class names.
type Labels []string

var DiseaseClasses = Labels{
	"Apple___Apple_scab",
	"Apple___Black_rot",
	"Apple___Cedar_apple_rust",
	"Apple___healthy",
	"Blueberry___healthy",
	"Cherry___Powdery_mildew",
	"Cherry___healthy",
	"Corn___Cercospora_leaf_spot Gray_leaf_spot",
	"Corn___Common_rust",
	"Corn___Northern_Leaf_Blight",
	"Corn___healthy",
	"Grape___Black_rot",
	"Grape___Esca_(Black_Measles)",
	"Grape___Leaf_blight_(Isariopsis_Leaf_Spot)",
	"Grape___healthy",
	"Orange___Haunglongbing_(Citrus_greening)",
	"Peach___Bacterial_spot",
	"Peach___healthy",
	"Pepper,_bell___Bacterial_spot",
	"Pepper,_bell___healthy",
	"Potato___Early_blight",
	"Potato___Late_blight",
	"Potato___healthy",
	"Raspberry___healthy",
	"Soybean___healthy",
	"Squash___Powdery_mildew",
	"Strawberry___Leaf_scorch",
	"Strawberry___healthy",
	"Tomato___Bacterial_spot",
	"Tomato___Early_blight",
	"Tomato___Late_blight",
	"Tomato___Leaf_Mold",
	"Tomato___Septoria_leaf_spot",
	"Tomato___Spider_mites Two-spotted_spider_mite",
	"Tomato___Target_Spot",
	"Tomato___Tomato_Yellow_Leaf_Curl_Virus",
	"Tomato___Tomato_mosaic_virus",
	"Tomato___healthy",
}

// Name never fails: positions outside the table become "Unknown Class <i>".
func (l Labels) Name(i int) string {
	if i >= 0 && i < len(l) {
		return l[i]
	}
	return fmt.Sprintf("Unknown Class %d", i)
}

func (l Labels) Contains(name string) bool {
	for _, v := range l {
		if v == name {
			return true
		}
	}
	return false
}

// Fingerprint is a short digest of the table, stable across processes.
func (l Labels) Fingerprint() string {
	sum := sha256.Sum256([]byte(strings.Join(l, "\n")))
	return hex.EncodeToString(sum[:6])
}

// LoadLabels reads one class name per line, skipping blank lines.
func LoadLabels(path string) (Labels, error) {
	lines, err := ReadLines(path)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("labels file %s is empty", path)
	}
	return Labels(lines), nil
}

func ReadLines(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(string(b), "\n")
	var out []string
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l != "" {
			out = append(out, l)
		}
	}
	return out, nil
}
