package pricing

// Split divides a paid session amount between the trainer and the platform.
func Split(amount int64, platformPercent float64) (trainerPayout, platformFee int64) {
	platformFee = percentOf(amount, platformPercent)
	if platformFee > amount {
		platformFee = amount
	}
	return amount - platformFee, platformFee
}
