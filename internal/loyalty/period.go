package loyalty

import "time"

// PeriodStart возвращает первое мгновение календарного месяца метки времени
// в UTC.
func PeriodStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// RolloverBase определяет, с какого итога продолжать накопление при покупке
// с меткой времени at. Если месяц покупки совпадает с месяцем сохранённого
// периода, итог сохраняется. Любое расхождение — наступление нового месяца
// или метка времени раньше сохранённого периода — пересчитывает период от
// метки времени покупки, и накопление начинается с нуля. Прошлые периоды
// при этом не пересчитываются: применённые скидки — неизменяемая история.
func RolloverBase(storedGB int64, storedPeriod, at time.Time) (baseGB int64, period time.Time) {
	period = PeriodStart(at)
	if PeriodStart(storedPeriod).Equal(period) {
		return storedGB, period
	}
	return 0, period
}
