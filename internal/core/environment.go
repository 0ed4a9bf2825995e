package core

type Environment string

const (
	DevelopmentEnv Environment = "development"
	ProductionEnv  Environment = "production"
	TestEnv        Environment = "test"
)

func (e Environment) IsProduction() bool {
	return e == ProductionEnv
}

func (e Environment) IsDevelopment() bool {
	return e == DevelopmentEnv
}

// Valid reports whether e is one of the known environments
func (e Environment) Valid() bool {
	switch e {
	case DevelopmentEnv, ProductionEnv, TestEnv:
		return true
	}
	return false
}
