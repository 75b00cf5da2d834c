package model

// Profile is the farmer's profile record, stored at users/{uid}/profile.
//
// Timestamps are epoch milliseconds as issued by the remote store's clock,
// matching the values written by older clients.
type Profile struct {
	FarmerName string `json:"farmerName"`
	FarmName   string `json:"farmName"`
	Email      string `json:"email"`
	CreatedAt  int64  `json:"createdAt"`
}

// Point is one vertex of a field boundary.
// It serializes as a two-element JSON array, the shape the drawing widget emits.
type Point [2]float64

// MinFieldPoints is the smallest polygon that encloses an area.
const MinFieldPoints = 3

// Field is one drawn field boundary, stored at users/{uid}/fields/{id}.
type Field struct {
	ID        string  `json:"id,omitempty"`
	FieldName string  `json:"fieldName"`
	CropType  string  `json:"cropType"`
	Geometry  []Point `json:"geometry"`
	CreatedAt int64   `json:"createdAt"`
	UpdatedAt int64   `json:"updatedAt"`
}

// Crops lists the crop types a field may be registered with.
var Crops = []string{"Rice", "Corn", "Wheat", "Soybean", "Cotton", "Vegetables"}

// IsKnownCrop reports whether crop is one of Crops.
func IsKnownCrop(crop string) bool {
	for _, c := range Crops {
		if c == crop {
			return true
		}
	}
	return false
}
