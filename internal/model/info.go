package model

import (
	"strings"

	"github.com/Susch12/VarP/internal/dist"
)

// DistInfo describes a supported distribution for the dashboard model
// panel.
type DistInfo struct {
	Nombre      string   `json:"nombre"`
	Parametros  []string `json:"parametros"`
	Descripcion string   `json:"descripcion"`
	Ejemplo     string   `json:"ejemplo"`
}

var distCatalogue = map[string]DistInfo{
	dist.Normal: {
		Nombre:      "Normal (Gaussiana)",
		Parametros:  []string{"media", "std"},
		Descripcion: "Distribución simétrica campana de Gauss",
		Ejemplo:     "media=0, std=1",
	},
	dist.Uniform: {
		Nombre:      "Uniforme",
		Parametros:  []string{"min", "max"},
		Descripcion: "Probabilidad constante en [min, max]",
		Ejemplo:     "min=0, max=10",
	},
	dist.Exponential: {
		Nombre:      "Exponencial",
		Parametros:  []string{"lambda"},
		Descripcion: "Distribución de tiempos entre eventos",
		Ejemplo:     "lambda=1.5",
	},
	dist.Lognormal: {
		Nombre:      "Lognormal",
		Parametros:  []string{"mu", "sigma"},
		Descripcion: "Distribución de variable cuyo logaritmo es normal",
		Ejemplo:     "mu=0, sigma=1",
	},
	dist.Triangular: {
		Nombre:      "Triangular",
		Parametros:  []string{"left", "mode", "right"},
		Descripcion: "Distribución triangular con pico en mode",
		Ejemplo:     "left=0, mode=5, right=10",
	},
	dist.Binomial: {
		Nombre:      "Binomial",
		Parametros:  []string{"n", "p"},
		Descripcion: "Número de éxitos en n ensayos con probabilidad p",
		Ejemplo:     "n=10, p=0.5",
	},
}

// DistributionInfo returns the catalogue entry for a distribution name.
func DistributionInfo(name string) (DistInfo, bool) {
	info, ok := distCatalogue[strings.ToLower(name)]
	return info, ok
}
