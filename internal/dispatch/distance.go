package dispatch

import "math"

const earthRadiusKM = 6371

// Distance возвращает расстояние по дуге большого круга между двумя точками в километрах
// (формула гаверсинуса).
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * (math.Pi / 180)
	dLon := (lon2 - lon1) * (math.Pi / 180)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*(math.Pi/180))*math.Cos(lat2*(math.Pi/180))*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKM * c
}

// RoundKM округляет расстояние до одного знака после запятой для показа диспетчеру.
func RoundKM(d float64) float64 {
	return math.Round(d*10) / 10
}
