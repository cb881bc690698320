package dispatch

import (
	"sort"

	"github.com/mmeshcher/dispatch-system/internal/model"
)

// NoGPSDistanceKM — условное расстояние для исполнителя без актуальных координат.
// Оно больше любого реального расстояния, поэтому такие исполнители оказываются
// в конце списка, но из подбора не исключаются.
const NoGPSDistanceKM = 999

// Candidate — исполнитель с рассчитанным расстоянием до заявки.
type Candidate struct {
	Expert     model.Expert
	DistanceKM float64
	NoGPS      bool
}

// Rank сортирует подходящих исполнителей по возрастанию расстояния до заявки.
// Если координат нет у заявки или у исполнителя, расстояние считается равным
// NoGPSDistanceKM. Сортировка стабильная: при равных расстояниях сохраняется
// порядок исходного списка.
func Rank(eligible []model.Expert, jobLat, jobLon *float64) []Candidate {
	candidates := make([]Candidate, 0, len(eligible))
	for _, exp := range eligible {
		c := Candidate{Expert: exp, DistanceKM: NoGPSDistanceKM, NoGPS: true}
		if jobLat != nil && jobLon != nil && exp.Latitude != nil && exp.Longitude != nil {
			c.DistanceKM = RoundKM(Distance(*jobLat, *jobLon, *exp.Latitude, *exp.Longitude))
			c.NoGPS = false
		}
		candidates = append(candidates, c)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].DistanceKM < candidates[j].DistanceKM
	})

	return candidates
}
