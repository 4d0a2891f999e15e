package detection

import "strings"

// COCOClasses is the class order of the stock YOLOv8 export.
var COCOClasses = []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck", "boat",
	"traffic light", "fire hydrant", "stop sign", "parking meter", "bench", "bird", "cat",
	"dog", "horse", "sheep", "cow", "elephant", "bear", "zebra", "giraffe", "backpack",
	"umbrella", "handbag", "tie", "suitcase", "frisbee", "skis", "snowboard", "sports ball",
	"kite", "baseball bat", "baseball glove", "skateboard", "surfboard", "tennis racket",
	"bottle", "wine glass", "cup", "fork", "knife", "spoon", "bowl", "banana", "apple",
	"sandwich", "orange", "broccoli", "carrot", "hot dog", "pizza", "donut", "cake", "chair",
	"couch", "potted plant", "bed", "dining table", "toilet", "tv", "laptop", "mouse",
	"remote", "keyboard", "cell phone", "microwave", "oven", "toaster", "sink",
	"refrigerator", "book", "clock", "vase", "scissors", "teddy bear", "hair drier",
	"toothbrush",
}

// DefaultFoodLabels covers the COCO food classes plus the produce and dishes
// a custom-trained detector is expected to emit.
var DefaultFoodLabels = []string{
	"banana", "apple", "sandwich", "orange", "broccoli", "carrot", "hot dog", "pizza", "donut", "cake",
	"strawberry", "grape", "mango", "pineapple", "watermelon", "lemon", "cherry",
	"tomato", "cucumber", "lettuce", "potato", "onion", "pepper", "avocado", "corn",
	"bread", "hotdog", "sushi", "steak", "chicken", "fish", "egg",
}

// NormalizeLabel is the output form of a food label: lower case, spaces as
// underscores.
func NormalizeLabel(label string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(label)), " ", "_")
}

// labelKey folds spaces, underscores and hyphens so "Hot-Dog", "hot dog" and
// "hot_dog" compare equal.
func labelKey(label string) string {
	return strings.NewReplacer(" ", "_", "-", "_").Replace(strings.ToLower(strings.TrimSpace(label)))
}

// AllowList matches detector labels against the configured food labels.
type AllowList map[string]struct{}

func NewAllowList(labels []string) AllowList {
	allow := make(AllowList, len(labels))
	for _, l := range labels {
		allow[labelKey(l)] = struct{}{}
	}
	return allow
}

func (a AllowList) Contains(label string) bool {
	_, ok := a[labelKey(label)]
	return ok
}
