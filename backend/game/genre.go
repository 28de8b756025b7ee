package game

import "math/rand/v2"

var Genres = []string{"rock", "pop", "alternative", "classical", "hip hop", "country", "r&b", "film"}

// GenrePicker draws a genre restriction for a round.
type GenrePicker func() string

func RandomGenre() string {
	return Genres[rand.IntN(len(Genres))]
}
